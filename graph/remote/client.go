// Package remote streams raw events from a LangGraph-compatible server.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/teamflow/config"
	"github.com/BaSui01/teamflow/internal/tlsutil"
	"github.com/BaSui01/teamflow/types"
	"github.com/BaSui01/teamflow/workflow"
)

// SSE event names sent by the server.
const (
	sseEvents   = "events"
	sseMetadata = "metadata"
	sseError    = "error"
	sseEnd      = "end"
)

const maxErrorBody = 4 << 10

// Client runs the configured assistant and streams its events.
type Client struct {
	baseURL     string
	assistantID string
	apiKey      string
	httpClient  *http.Client
	logger      *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client from cfg. The stream itself has no timeout;
// cfg.ConnectTimeout bounds dialing and waiting for response headers.
func New(cfg config.GraphConfig, opts ...Option) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid graph base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid graph base url %q: scheme must be http or https", cfg.BaseURL)
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		assistantID: cfg.AssistantID,
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Transport: tlsutil.StreamingTransport(cfg.ConnectTimeout)},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "graph_remote"))
	return c, nil
}

type runRequest struct {
	AssistantID string              `json:"assistant_id"`
	Input       workflow.GraphInput `json:"input"`
	StreamMode  []string            `json:"stream_mode"`
	Version     string              `json:"version,omitempty"`
}

// StreamEvents implements workflow.Graph.
func (c *Client) StreamEvents(ctx context.Context, input workflow.GraphInput, version workflow.SchemaVersion) (<-chan workflow.RawEventResult, error) {
	payload, err := json.Marshal(runRequest{
		AssistantID: c.assistantID,
		Input:       input,
		StreamMode:  []string{sseEvents},
		Version:     string(version),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runs/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if id, ok := types.RequestID(ctx); ok {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.NewUpstreamError(err).
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, types.NewUpstreamError(fmt.Errorf("graph server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))).
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(resp.StatusCode >= 500)
	}

	c.logger.Debug("graph stream opened", zap.String("assistant_id", c.assistantID))
	return c.readStream(ctx, resp.Body), nil
}

// frame is one dispatched SSE event.
type frame struct {
	event string
	data  string
}

// readStream 解析 SSE 流，每个 events 帧是一条原始事件
func (c *Client) readStream(ctx context.Context, body io.ReadCloser) <-chan workflow.RawEventResult {
	ch := make(chan workflow.RawEventResult)
	go func() {
		defer body.Close()
		defer close(ch)

		emit := func(res workflow.RawEventResult) bool {
			select {
			case ch <- res:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			if ctx.Err() != nil {
				return
			}
			emit(workflow.RawEventResult{Err: types.NewUpstreamError(err).WithHTTPStatus(http.StatusBadGateway)})
		}

		reader := bufio.NewReader(body)
		var (
			cur  frame
			data []string
		)
		for {
			line, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				fail(err)
				return
			}
			eof := err == io.EOF

			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				// 空行分发当前帧
				if len(data) > 0 {
					cur.data = strings.Join(data, "\n")
					if !c.dispatch(cur, emit, fail) {
						return
					}
				}
				cur, data = frame{}, nil
				if eof {
					return
				}
				continue
			}

			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				cur.event = value
			case "data":
				data = append(data, value)
			}

			if eof {
				if len(data) > 0 {
					cur.data = strings.Join(data, "\n")
					c.dispatch(cur, emit, fail)
				}
				return
			}
		}
	}()
	return ch
}

// dispatch handles one frame. It returns false when the stream is over.
func (c *Client) dispatch(f frame, emit func(workflow.RawEventResult) bool, fail func(error)) bool {
	switch f.event {
	case sseEvents, "":
		var ev workflow.RawEvent
		if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
			fail(fmt.Errorf("malformed event frame: %w", err))
			return false
		}
		return emit(workflow.RawEventResult{Event: ev})

	case sseError:
		fail(fmt.Errorf("graph run failed: %s", errorMessage(f.data)))
		return false

	case sseEnd:
		return false

	case sseMetadata:
		c.logger.Debug("graph run metadata", zap.String("data", f.data))
		return true

	default:
		c.logger.Debug("ignoring sse frame", zap.String("event", f.event))
		return true
	}
}

// errorMessage extracts a readable message from an error frame payload.
func errorMessage(data string) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return data
	}
	switch {
	case payload.Error != "" && payload.Message != "":
		return payload.Error + ": " + payload.Message
	case payload.Message != "":
		return payload.Message
	case payload.Error != "":
		return payload.Error
	default:
		return data
	}
}
