package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BaSui01/teamflow/types"
)

// =============================================================================
// 📥 Raw events (produced by the graph executor)
// =============================================================================

// RawKind is the kind tag of a raw graph event.
type RawKind string

const (
	KindChainStart      RawKind = "on_chain_start"
	KindChainEnd        RawKind = "on_chain_end"
	KindChainStream     RawKind = "on_chain_stream"
	KindChatModelStart  RawKind = "on_chat_model_start"
	KindChatModelEnd    RawKind = "on_chat_model_end"
	KindChatModelStream RawKind = "on_chat_model_stream"
	KindToolStart       RawKind = "on_tool_start"
	KindToolEnd         RawKind = "on_tool_end"
)

// Metadata keys read by the translator.
const (
	MetadataCheckpointNS = "checkpoint_ns"
	MetadataStep         = "langgraph_step"
)

// RawEvent is one event of the graph executor's stream (schema v2).
type RawEvent struct {
	Kind     RawKind        `json:"event"`
	Name     string         `json:"name"`
	RunID    string         `json:"run_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes leniently: a data or metadata value that is not an
// object is dropped instead of failing the whole event.
func (e *RawEvent) UnmarshalJSON(b []byte) error {
	var wire struct {
		Kind     RawKind         `json:"event"`
		Name     any             `json:"name"`
		RunID    any             `json:"run_id"`
		Data     json.RawMessage `json:"data"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*e = RawEvent{
		Kind:     wire.Kind,
		Name:     stringOrEmpty(wire.Name),
		RunID:    stringOrEmpty(wire.RunID),
		Data:     objectOrNil(wire.Data),
		Metadata: objectOrNil(wire.Metadata),
	}
	return nil
}

func objectOrNil(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func stringOrEmpty(v any) string {
	s, _ := v.(string)
	return s
}

// Node is the first ':' segment of metadata.checkpoint_ns, or "".
func (e RawEvent) Node() string {
	ns, ok := e.Metadata[MetadataCheckpointNS].(string)
	if !ok {
		return ""
	}
	node, _, _ := strings.Cut(ns, ":")
	return node
}

// Step is the string form of metadata.langgraph_step, or "".
func (e RawEvent) Step() string {
	v, ok := e.Metadata[MetadataStep]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == math.Trunc(s) && math.Abs(s) < 1<<53 {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}

// ChunkContent returns data.chunk.content of a chat model stream event.
// ok is false when the content is absent or empty.
func (e RawEvent) ChunkContent() (content any, ok bool) {
	chunk, _ := e.Data["chunk"].(map[string]any)
	content = chunk["content"]
	if isEmpty(content) {
		return nil, false
	}
	return content, true
}

// ToolInput returns data.input, nil when absent.
func (e RawEvent) ToolInput() any {
	return e.Data["input"]
}

// ToolOutput returns the content of data.output. A message-shaped output
// yields its content; any other non-empty value is returned as is; an
// absent or empty output yields "".
func (e RawEvent) ToolOutput() any {
	out := e.Data["output"]
	if isEmpty(out) {
		return ""
	}
	if msg, ok := out.(map[string]any); ok {
		if content, has := msg["content"]; has {
			if content == nil {
				return ""
			}
			return content
		}
	}
	return out
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

// RawEventResult is one element of a graph stream: an event or a terminal error.
type RawEventResult struct {
	Event RawEvent
	Err   error
}

// =============================================================================
// 📤 Output events (client facing)
// =============================================================================

// EventType is the variant name of an output event.
type EventType string

const (
	EventStartOfWorkflow EventType = "start_of_workflow"
	EventStartOfAgent    EventType = "start_of_agent"
	EventEndOfAgent      EventType = "end_of_agent"
	EventStartOfLLM      EventType = "start_of_llm"
	EventEndOfLLM        EventType = "end_of_llm"
	EventMessage         EventType = "message"
	EventToolCall        EventType = "tool_call"
	EventToolCallResult  EventType = "tool_call_result"
	EventEndOfWorkflow   EventType = "end_of_workflow"
)

// EventTypes lists every output variant in protocol order.
var EventTypes = []EventType{
	EventStartOfWorkflow,
	EventStartOfAgent,
	EventEndOfAgent,
	EventStartOfLLM,
	EventEndOfLLM,
	EventMessage,
	EventToolCall,
	EventToolCallResult,
	EventEndOfWorkflow,
}

// OutputEvent serializes to {"event": <variant>, "data": <payload>}.
type OutputEvent struct {
	Event EventType `json:"event"`
	Data  any       `json:"data"`
}

// WorkflowStartData is the payload of start_of_workflow.
type WorkflowStartData struct {
	WorkflowID string          `json:"workflow_id"`
	Input      []types.Message `json:"input"`
}

// WorkflowEndData is the payload of end_of_workflow.
type WorkflowEndData struct {
	WorkflowID string `json:"workflow_id"`
}

// AgentData is the payload of start_of_agent and end_of_agent.
type AgentData struct {
	AgentName string `json:"agent_name"`
	AgentID   string `json:"agent_id"`
}

// LLMData is the payload of start_of_llm and end_of_llm.
type LLMData struct {
	AgentName string `json:"agent_name"`
}

// MessageData is the payload of message. Content is a string or a list of
// content blocks, as produced by the model.
type MessageData struct {
	AgentName string `json:"agent_name"`
	Content   any    `json:"content"`
}

// ToolCallData is the payload of tool_call.
type ToolCallData struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	ToolInput  any    `json:"tool_input"`
}

// ToolResultData is the payload of tool_call_result.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	ToolResult any    `json:"tool_result"`
}

// EventResult is one element of a Run stream: an output event or a terminal error.
type EventResult struct {
	Event OutputEvent
	Err   error
}
