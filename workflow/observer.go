package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/teamflow/types"
)

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Run describes a started workflow.
type Run struct {
	WorkflowID string
	Input      []types.Message
	Debug      bool
	StartedAt  time.Time
}

// Observer is notified in order about a run's lifecycle. The runner calls it
// from a per-run queue, off the emission path, and bounds every call with a
// deadline. Errors are logged and never affect the emitted events.
type Observer interface {
	OnWorkflowStart(ctx context.Context, run Run) error
	OnEvent(ctx context.Context, workflowID string, ev OutputEvent) error
	OnWorkflowEnd(ctx context.Context, workflowID string, status RunStatus, cause error) error
}

// Observers fans out to several observers and joins their errors.
type Observers []Observer

func (o Observers) OnWorkflowStart(ctx context.Context, run Run) error {
	var errs []error
	for _, obs := range o {
		errs = append(errs, obs.OnWorkflowStart(ctx, run))
	}
	return errors.Join(errs...)
}

func (o Observers) OnEvent(ctx context.Context, workflowID string, ev OutputEvent) error {
	var errs []error
	for _, obs := range o {
		errs = append(errs, obs.OnEvent(ctx, workflowID, ev))
	}
	return errors.Join(errs...)
}

func (o Observers) OnWorkflowEnd(ctx context.Context, workflowID string, status RunStatus, cause error) error {
	var errs []error
	for _, obs := range o {
		errs = append(errs, obs.OnWorkflowEnd(ctx, workflowID, status, cause))
	}
	return errors.Join(errs...)
}

// =============================================================================
// 观察者队列
// =============================================================================

const (
	// DefaultObserverTimeout 单次观察者回调的默认超时
	DefaultObserverTimeout = 2 * time.Second

	observerQueueSize = 256
)

type observerCall struct {
	name string
	fn   func(ctx context.Context) error
}

// observerQueue 在单独的协程里按顺序执行观察者回调，事件发送不等待观察者
type observerQueue struct {
	ctx     context.Context
	timeout time.Duration
	logger  *zap.Logger
	calls   chan observerCall
	done    chan struct{}
}

func newObserverQueue(ctx context.Context, timeout time.Duration, logger *zap.Logger) *observerQueue {
	q := &observerQueue{
		ctx:     ctx,
		timeout: timeout,
		logger:  logger,
		calls:   make(chan observerCall, observerQueueSize),
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *observerQueue) loop() {
	defer close(q.done)
	for c := range q.calls {
		ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
		err := c.fn(ctx)
		cancel()
		if err != nil {
			q.logger.Warn("observer failed on "+c.name, zap.Error(err))
		}
	}
}

// push 入队事件回调；队列已满时丢弃
func (q *observerQueue) push(name string, fn func(ctx context.Context) error) {
	select {
	case q.calls <- observerCall{name: name, fn: fn}:
	default:
		q.logger.Warn("observer queue full, callback dropped", zap.String("callback", name))
	}
}

// pushWait 入队生命周期回调，最多等待一个超时周期
func (q *observerQueue) pushWait(name string, fn func(ctx context.Context) error) {
	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case q.calls <- observerCall{name: name, fn: fn}:
	case <-t.C:
		q.logger.Warn("observer queue stalled, callback dropped", zap.String("callback", name))
	}
}

// close 关闭队列，最多等待 wait 让已入队的回调执行完。返回是否已排空。
func (q *observerQueue) close(wait time.Duration) bool {
	close(q.calls)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-q.done:
		return true
	case <-t.C:
		return false
	}
}
