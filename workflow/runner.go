package workflow

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/teamflow/internal/logging"
	"github.com/BaSui01/teamflow/types"
)

const instrumentationName = "github.com/BaSui01/teamflow/workflow"

// LoggerNamespace is the namespace of the runner's logger.
const LoggerNamespace = logging.RootNamespace + ".workflow"

// Runner translates graph runs into output event streams. It is safe for
// concurrent use; every Run is independent.
type Runner struct {
	graph    Graph
	levels   *logging.Levels
	logger   *zap.Logger
	observer Observer
	newID    func() string
	now      func() time.Time

	observerTimeout time.Duration

	tracer      trace.Tracer
	meter       metric.Meter
	eventsTotal metric.Int64Counter
}

// Option configures a Runner.
type Option func(*Runner)

// WithLevels sets the level registry that the debug flag of Run acts on.
// The runner logs under LoggerNamespace unless WithLogger is given.
func WithLevels(levels *logging.Levels) Option {
	return func(r *Runner) {
		r.levels = levels
	}
}

// WithLogger overrides the runner's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithObserver adds an observer. May be given several times.
func WithObserver(obs Observer) Option {
	return func(r *Runner) {
		if obs == nil {
			return
		}
		if list, ok := r.observer.(Observers); ok {
			r.observer = append(list, obs)
			return
		}
		r.observer = Observers{obs}
	}
}

// WithObserverTimeout bounds every observer callback. When a run ends the
// stream stays open at most this long for queued callbacks to finish.
func WithObserverTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.observerTimeout = d
	}
}

// WithIDGenerator overrides the workflow id generator (uuid v4 by default).
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) {
		r.newID = fn
	}
}

// WithTracer sets the tracer for workflow.run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

// WithMeter sets the meter for the emitted-event counter.
func WithMeter(meter metric.Meter) Option {
	return func(r *Runner) {
		r.meter = meter
	}
}

// NewRunner creates a runner over graph.
func NewRunner(graph Graph, opts ...Option) *Runner {
	r := &Runner{
		graph:    graph,
		observer: Observers{},
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.levels == nil {
		r.levels = logging.NewNop()
	}
	if r.observerTimeout <= 0 {
		r.observerTimeout = DefaultObserverTimeout
	}
	if r.logger == nil {
		r.logger = r.levels.Logger(LoggerNamespace)
	}
	r.logger = r.logger.With(zap.String("component", "workflow_runner"))
	if r.tracer == nil {
		r.tracer = otel.Tracer(instrumentationName)
	}
	if r.meter == nil {
		r.meter = otel.Meter(instrumentationName)
	}

	var err error
	r.eventsTotal, err = r.meter.Int64Counter("teamflow.workflow.events",
		metric.WithDescription("Output events emitted by workflow runs"),
		metric.WithUnit("{event}"))
	if err != nil {
		r.logger.Warn("failed to create event counter", zap.Error(err))
		r.eventsTotal = noop.Int64Counter{}
	}
	return r
}

// Run starts a workflow over messages and returns its output events.
//
// The channel is unbuffered and yields start_of_workflow first and, when the
// graph stream ends normally, end_of_workflow last. A graph failure is
// delivered as a final EventResult with Err of code UPSTREAM_FAILURE and no
// end_of_workflow follows. Cancelling ctx stops the run, tears down the graph
// subscription and closes the channel. A cancelled run never ends with
// end_of_workflow and observers see it as cancelled. Callers must drain the
// channel or cancel ctx.
//
// debug lowers every logger under the teamflow namespace to Debug.
func (r *Runner) Run(ctx context.Context, messages []types.Message, debug bool) (<-chan EventResult, error) {
	if len(messages) == 0 {
		return nil, types.NewInvalidInputError("input could not be empty")
	}
	if debug {
		r.levels.EnableDebug(logging.RootNamespace)
	}

	r.logger.Info("starting workflow with user input", zap.Any("input", messages))

	run := Run{
		WorkflowID: r.newID(),
		Input:      messages,
		Debug:      debug,
		StartedAt:  r.now(),
	}

	runCtx, cancel := context.WithCancel(types.WithWorkflowID(ctx, run.WorkflowID))
	runCtx, span := r.tracer.Start(runCtx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.id", run.WorkflowID),
			attribute.Int("workflow.input_messages", len(messages)),
		))

	out := make(chan EventResult)
	go r.produce(runCtx, cancel, span, run, out)
	return out, nil
}

// produce 单个生产者：拉取上游原始事件，翻译后逐条发送
func (r *Runner) produce(ctx context.Context, cancel context.CancelFunc, span trace.Span, run Run, out chan<- EventResult) {
	defer close(out)
	defer cancel()
	defer span.End()

	wfID := run.WorkflowID
	logger := r.logger.With(zap.String("workflow_id", wfID))
	// 观察者在运行被取消后仍需记录终态
	obsCtx := context.WithoutCancel(ctx)
	queue := newObserverQueue(obsCtx, r.observerTimeout, logger)
	queue.pushWait("workflow start", func(ctx context.Context) error {
		return r.observer.OnWorkflowStart(ctx, run)
	})

	var emitted int64
	send := func(ev OutputEvent) bool {
		// 取消后不再发送，哪怕消费者仍在读
		if ctx.Err() != nil {
			return false
		}
		select {
		case out <- EventResult{Event: ev}:
		case <-ctx.Done():
			return false
		}
		emitted++
		r.eventsTotal.Add(obsCtx, 1, metric.WithAttributes(attribute.String("event", string(ev.Event))))
		queue.push("event", func(ctx context.Context) error {
			return r.observer.OnEvent(ctx, wfID, ev)
		})
		return true
	}

	finish := func(status RunStatus, cause error) {
		span.SetAttributes(
			attribute.Int64("workflow.events", emitted),
			attribute.String("workflow.status", string(status)),
		)
		switch status {
		case StatusFailed:
			span.RecordError(cause)
			span.SetStatus(codes.Error, cause.Error())
			logger.Error("workflow failed", zap.Error(cause))
		case StatusCancelled:
			span.SetStatus(codes.Error, "cancelled")
			logger.Info("workflow cancelled", zap.Int64("events", emitted))
		default:
			span.SetStatus(codes.Ok, "")
			logger.Info("workflow completed",
				zap.Int64("events", emitted),
				zap.Duration("duration", r.now().Sub(run.StartedAt)))
		}
		queue.pushWait("workflow end", func(ctx context.Context) error {
			return r.observer.OnWorkflowEnd(ctx, wfID, status, cause)
		})
		if !queue.close(r.observerTimeout) {
			logger.Warn("observers still busy, closing stream", zap.Duration("waited", r.observerTimeout))
		}
	}

	fail := func(err error) {
		if ctx.Err() != nil {
			finish(StatusCancelled, ctx.Err())
			return
		}
		upstream := asUpstream(err)
		select {
		case out <- EventResult{Err: upstream}:
		case <-ctx.Done():
		}
		finish(StatusFailed, upstream)
	}

	if !send(OutputEvent{Event: EventStartOfWorkflow, Data: WorkflowStartData{WorkflowID: wfID, Input: run.Input}}) {
		finish(StatusCancelled, ctx.Err())
		return
	}

	input := GraphInput{
		TeamMembers: slices.Clone(TeamMembers),
		Messages:    run.Input,
	}
	events, err := r.graph.StreamEvents(ctx, input, SchemaV2)
	if err != nil {
		fail(err)
		return
	}

	for {
		var (
			res RawEventResult
			ok  bool
		)
		select {
		case <-ctx.Done():
			finish(StatusCancelled, ctx.Err())
			return
		case res, ok = <-events:
		}
		if !ok {
			// 上游在取消时关闭通道，不能当作正常结束
			if ctx.Err() != nil {
				finish(StatusCancelled, ctx.Err())
				return
			}
			break
		}
		if res.Err != nil {
			fail(res.Err)
			return
		}

		raw := res.Event
		ev, keep := Translate(wfID, raw)
		if logger.Core().Enabled(zap.DebugLevel) {
			logger.Debug("raw event",
				zap.String("kind", string(raw.Kind)),
				zap.String("name", raw.Name),
				zap.String("node", raw.Node()),
				zap.String("step", raw.Step()),
				zap.Bool("forwarded", keep))
		}
		if !keep {
			continue
		}
		if !send(ev) {
			finish(StatusCancelled, ctx.Err())
			return
		}
	}

	if !send(OutputEvent{Event: EventEndOfWorkflow, Data: WorkflowEndData{WorkflowID: wfID}}) {
		finish(StatusCancelled, ctx.Err())
		return
	}
	finish(StatusCompleted, nil)
}

func asUpstream(err error) error {
	if types.IsErrorCode(err, types.ErrUpstreamFailure) {
		return err
	}
	return types.NewUpstreamError(err)
}

// Collect drains a Run stream. It returns the events received and the
// terminal error, if any.
func Collect(stream <-chan EventResult) ([]OutputEvent, error) {
	var (
		events []OutputEvent
		err    error
	)
	for res := range stream {
		if res.Err != nil {
			err = res.Err
			continue
		}
		events = append(events, res.Event)
	}
	return events, err
}
