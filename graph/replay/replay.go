// Package replay replays recorded raw graph events from a JSONL file.
//
// Each non-blank line of the file is one raw event as produced by the graph
// executor's event stream. The recording ignores the graph input, so every
// run of the same file yields the same events.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/teamflow/types"
	"github.com/BaSui01/teamflow/workflow"
)

const maxLineSize = 4 << 20

// Graph is a workflow.Graph backed by a recording.
type Graph struct {
	path   string
	delay  time.Duration
	logger *zap.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithDelay waits d before each event.
func WithDelay(d time.Duration) Option {
	return func(g *Graph) {
		g.delay = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Graph) {
		g.logger = logger
	}
}

// New creates a replay graph over the JSONL file at path.
func New(path string, opts ...Option) *Graph {
	g := &Graph{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "graph_replay"), zap.String("file", path))
	return g
}

// StreamEvents implements workflow.Graph. The file is opened per call.
func (g *Graph) StreamEvents(ctx context.Context, _ workflow.GraphInput, _ workflow.SchemaVersion) (<-chan workflow.RawEventResult, error) {
	f, err := os.Open(g.path)
	if err != nil {
		return nil, types.NewUpstreamError(fmt.Errorf("open recording: %w", err))
	}

	ch := make(chan workflow.RawEventResult)
	go func() {
		defer f.Close()
		defer close(ch)

		emit := func(res workflow.RawEventResult) bool {
			select {
			case ch <- res:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64<<10), maxLineSize)
		lineNo, count := 0, 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var ev workflow.RawEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				emit(workflow.RawEventResult{Err: types.NewUpstreamError(fmt.Errorf("%s:%d: %w", g.path, lineNo, err))})
				return
			}

			if g.delay > 0 {
				select {
				case <-time.After(g.delay):
				case <-ctx.Done():
					return
				}
			}
			if !emit(workflow.RawEventResult{Event: ev}) {
				return
			}
			count++
		}
		if err := scanner.Err(); err != nil {
			emit(workflow.RawEventResult{Err: types.NewUpstreamError(fmt.Errorf("read recording: %w", err))})
			return
		}
		g.logger.Debug("replay finished", zap.Int("events", count))
	}()
	return ch, nil
}

