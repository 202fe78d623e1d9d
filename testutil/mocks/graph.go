// ScriptedGraph 图执行器测试模拟实现。
//
// 支持按脚本产出原始事件、同步/流式错误注入与阻塞直到取消。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/teamflow/workflow"
)

// --- ScriptedGraph ---

// ScriptedGraph 按顺序产出预设事件，然后可选地产出一个错误
type ScriptedGraph struct {
	mu sync.Mutex

	events    []workflow.RawEvent
	streamErr error
	openErr   error
	delay     time.Duration

	calls []GraphCall
}

// GraphCall 记录单次 StreamEvents 调用
type GraphCall struct {
	Input   workflow.GraphInput
	Version workflow.SchemaVersion
}

// NewScriptedGraph 创建产出 events 的图
func NewScriptedGraph(events ...workflow.RawEvent) *ScriptedGraph {
	return &ScriptedGraph{events: events}
}

// WithStreamError 在所有事件之后产出 err
func (g *ScriptedGraph) WithStreamError(err error) *ScriptedGraph {
	g.streamErr = err
	return g
}

// WithOpenError 让 StreamEvents 直接返回 err
func (g *ScriptedGraph) WithOpenError(err error) *ScriptedGraph {
	g.openErr = err
	return g
}

// WithDelay 设置事件间隔
func (g *ScriptedGraph) WithDelay(d time.Duration) *ScriptedGraph {
	g.delay = d
	return g
}

// StreamEvents implements workflow.Graph.
func (g *ScriptedGraph) StreamEvents(ctx context.Context, input workflow.GraphInput, version workflow.SchemaVersion) (<-chan workflow.RawEventResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, GraphCall{Input: input, Version: version})
	g.mu.Unlock()

	if g.openErr != nil {
		return nil, g.openErr
	}

	ch := make(chan workflow.RawEventResult)
	go func() {
		defer close(ch)
		for _, ev := range g.events {
			if g.delay > 0 {
				select {
				case <-time.After(g.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- workflow.RawEventResult{Event: ev}:
			case <-ctx.Done():
				return
			}
		}
		if g.streamErr != nil {
			select {
			case ch <- workflow.RawEventResult{Err: g.streamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Calls 返回调用记录
func (g *ScriptedGraph) Calls() []GraphCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GraphCall, len(g.calls))
	copy(out, g.calls)
	return out
}

// --- BlockingGraph ---

// BlockingGraph 产出预设事件后阻塞，直到 ctx 取消才关闭通道
type BlockingGraph struct {
	events []workflow.RawEvent
	closed chan struct{}
	once   sync.Once
}

// NewBlockingGraph 创建 BlockingGraph
func NewBlockingGraph(events ...workflow.RawEvent) *BlockingGraph {
	return &BlockingGraph{events: events, closed: make(chan struct{})}
}

// StreamEvents implements workflow.Graph.
func (g *BlockingGraph) StreamEvents(ctx context.Context, _ workflow.GraphInput, _ workflow.SchemaVersion) (<-chan workflow.RawEventResult, error) {
	ch := make(chan workflow.RawEventResult)
	go func() {
		defer func() {
			close(ch)
			g.once.Do(func() { close(g.closed) })
		}()
		for _, ev := range g.events {
			select {
			case ch <- workflow.RawEventResult{Event: ev}:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

// Closed 在订阅被拆除后关闭
func (g *BlockingGraph) Closed() <-chan struct{} {
	return g.closed
}
