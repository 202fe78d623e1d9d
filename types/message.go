// Package types provides core types used across the teamflow service.
// This package has ZERO dependencies on other teamflow packages to avoid circular imports.
// All other packages should import types from here.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentItem is one block of a multi-part message.
type ContentItem struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message represents a conversation message handed to the agent team.
//
// On the wire "content" is either a plain string or a list of content items;
// exactly one of Content and Items is populated after decoding.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"-"`
	Items   []ContentItem `json:"-"`
	Name    string        `json:"name,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:    role,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return NewMessage(RoleAssistant, content)
}

// WithItems replaces the content with multi-part items.
func (m Message) WithItems(items []ContentItem) Message {
	m.Content = ""
	m.Items = items
	return m
}

// Text returns the textual content, joining text items when the message is multi-part.
func (m Message) Text() string {
	if len(m.Items) == 0 {
		return m.Content
	}
	var buf bytes.Buffer
	for _, item := range m.Items {
		if item.Type != "text" || item.Text == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(item.Text)
	}
	return buf.String()
}

type messageWire struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Name    string          `json:"name,omitempty"`
}

// MarshalJSON writes content as a string, or as a list when the message is multi-part.
func (m Message) MarshalJSON() ([]byte, error) {
	var (
		content []byte
		err     error
	)
	if len(m.Items) > 0 {
		content, err = json.Marshal(m.Items)
	} else {
		content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageWire{Role: m.Role, Content: content, Name: m.Name})
}

// UnmarshalJSON accepts content as a string, a list of items, or null.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Name = w.Name
	m.Content = ""
	m.Items = nil

	raw := bytes.TrimSpace(w.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '"':
		return json.Unmarshal(raw, &m.Content)
	case '[':
		return json.Unmarshal(raw, &m.Items)
	default:
		return fmt.Errorf("message content must be a string or a list, got %s", raw)
	}
}
