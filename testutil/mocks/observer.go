package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/teamflow/workflow"
)

// RecordingObserver 记录所有生命周期回调
type RecordingObserver struct {
	mu sync.Mutex

	Started []workflow.Run
	Events  []workflow.OutputEvent
	Ended   []EndRecord
	Err     error
}

// EndRecord 记录一次 OnWorkflowEnd
type EndRecord struct {
	WorkflowID string
	Status     workflow.RunStatus
	Cause      error
}

func (o *RecordingObserver) OnWorkflowStart(_ context.Context, run workflow.Run) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Started = append(o.Started, run)
	return o.Err
}

func (o *RecordingObserver) OnEvent(_ context.Context, _ string, ev workflow.OutputEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Events = append(o.Events, ev)
	return o.Err
}

func (o *RecordingObserver) OnWorkflowEnd(_ context.Context, workflowID string, status workflow.RunStatus, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Ended = append(o.Ended, EndRecord{WorkflowID: workflowID, Status: status, Cause: cause})
	return o.Err
}

// EndRecords 返回结束记录的副本
func (o *RecordingObserver) EndRecords() []EndRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]EndRecord, len(o.Ended))
	copy(out, o.Ended)
	return out
}

// EventCount 返回已记录事件数
func (o *RecordingObserver) EventCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Events)
}
