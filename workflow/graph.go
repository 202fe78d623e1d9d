package workflow

import (
	"context"

	"github.com/BaSui01/teamflow/types"
)

// SchemaVersion selects the event schema of the graph stream.
type SchemaVersion string

// SchemaV2 exposes fine grained sub-events such as per-token model output.
const SchemaV2 SchemaVersion = "v2"

// GraphInput is the state the graph is seeded with.
type GraphInput struct {
	// 常量：团队成员注册表
	TeamMembers []string `json:"TEAM_MEMBERS"`
	// 运行时变量
	Messages []types.Message `json:"messages"`
}

// Graph is an executable multi-agent graph that streams raw events.
//
// StreamEvents returns a channel that is closed when the run ends. A failure
// while running is delivered as a final RawEventResult with Err set. The graph
// stops producing and closes the channel once ctx is done.
type Graph interface {
	StreamEvents(ctx context.Context, input GraphInput, version SchemaVersion) (<-chan RawEventResult, error)
}

// GraphFunc adapts a function to Graph.
type GraphFunc func(ctx context.Context, input GraphInput, version SchemaVersion) (<-chan RawEventResult, error)

// StreamEvents calls f.
func (f GraphFunc) StreamEvents(ctx context.Context, input GraphInput, version SchemaVersion) (<-chan RawEventResult, error) {
	return f(ctx, input, version)
}
