package history

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/teamflow/internal/database"
	"github.com/BaSui01/teamflow/types"
	"github.com/BaSui01/teamflow/workflow"
)

func setupStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "runs.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	s := NewStore(db, opts...)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

type queryRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *queryRecorder) RecordDBQuery(database, operation string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, database+":"+operation)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func startRun(t *testing.T, s *Store, id string, at time.Time) {
	t.Helper()
	startRunDebug(t, s, id, at, false)
}

func startRunDebug(t *testing.T, s *Store, id string, at time.Time, debug bool) {
	t.Helper()
	require.NoError(t, s.OnWorkflowStart(context.Background(), workflow.Run{
		WorkflowID: id,
		Input:      []types.Message{types.NewUserMessage("hello")},
		Debug:      debug,
		StartedAt:  at,
	}))
}

func TestStore_Lifecycle(t *testing.T) {
	rec := &queryRecorder{}
	s := setupStore(t, WithClock(func() time.Time { return t0.Add(3 * time.Second) }), WithQueryRecorder(rec))
	ctx := context.Background()

	startRun(t, s, "wf-1", t0)

	run, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)
	assert.Zero(t, run.Duration())

	msgs, err := run.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text())

	for i := 0; i < 4; i++ {
		require.NoError(t, s.OnEvent(ctx, "wf-1", workflow.OutputEvent{Event: workflow.EventMessage}))
	}
	require.NoError(t, s.OnWorkflowEnd(ctx, "wf-1", workflow.StatusCompleted, nil))

	run, err = s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, run.Status)
	assert.Equal(t, 4, run.EventCount)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, 3*time.Second, run.Duration())

	rec.mu.Lock()
	assert.Contains(t, rec.ops, "workflow_runs:insert")
	assert.Contains(t, rec.ops, "workflow_runs:update")
	assert.Contains(t, rec.ops, "workflow_runs:get")
	rec.mu.Unlock()
}

func TestStore_FailedRunRecordsCause(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	startRun(t, s, "wf-err", t0)
	cause := types.NewUpstreamError(errors.New("connection reset"))
	require.NoError(t, s.OnWorkflowEnd(ctx, "wf-err", workflow.StatusFailed, cause))

	run, err := s.Get(ctx, "wf-err")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "connection reset")
}

func TestStore_DebugFlag(t *testing.T) {
	s := setupStore(t)

	startRunDebug(t, s, "wf-dbg", t0, true)
	startRun(t, s, "wf-plain", t0.Add(time.Second))

	dbg, err := s.Get(context.Background(), "wf-dbg")
	require.NoError(t, err)
	assert.True(t, dbg.Debug)

	plain, err := s.Get(context.Background(), "wf-plain")
	require.NoError(t, err)
	assert.False(t, plain.Debug)
}

func TestStore_GetNotFound(t *testing.T) {
	s := setupStore(t)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestStore_EndUnknownRunIsNotAnError(t *testing.T) {
	s := setupStore(t)
	assert.NoError(t, s.OnWorkflowEnd(context.Background(), "ghost", workflow.StatusCancelled, nil))
}

func TestStore_List(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		startRun(t, s, id, t0.Add(time.Duration(i)*time.Minute))
	}
	require.NoError(t, s.OnWorkflowEnd(ctx, "b", workflow.StatusCompleted, nil))

	runs, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

	runs, err = s.List(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.List(ctx, ListOptions{Status: workflow.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].ID)
}

func TestStore_Prune(t *testing.T) {
	s := setupStore(t, WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	startRun(t, s, "old", t0.Add(-time.Hour))
	require.NoError(t, s.OnWorkflowEnd(ctx, "old", workflow.StatusCompleted, nil))
	startRun(t, s, "running", t0.Add(-time.Hour))

	n, err := s.Prune(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "old")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	_, err = s.Get(ctx, "running")
	assert.NoError(t, err)
}

// txRecorder 记录经由 Transactor 的写入
type txRecorder struct {
	inner Transactor

	mu      sync.Mutex
	retries []int
}

func (r *txRecorder) WithTransactionRetry(ctx context.Context, maxRetries int, fn database.TransactionFunc) error {
	r.mu.Lock()
	r.retries = append(r.retries, maxRetries)
	r.mu.Unlock()
	return r.inner.WithTransactionRetry(ctx, maxRetries, fn)
}

func TestStore_WritesUsePoolTransactions(t *testing.T) {
	s := setupStore(t, WithClock(func() time.Time { return t0 }))
	pool, err := database.NewPoolManager(s.db, database.PoolConfig{
		Name:         "history-test",
		MaxIdleConns: 2,
		MaxOpenConns: 4,
	}, zap.NewNop())
	require.NoError(t, err)

	rec := &txRecorder{inner: pool}
	s.tx = rec
	ctx := context.Background()

	startRun(t, s, "wf-tx", t0.Add(-time.Hour))
	require.NoError(t, s.OnWorkflowEnd(ctx, "wf-tx", workflow.StatusFailed, errors.New("boom")))

	run, err := s.Get(ctx, "wf-tx")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, run.Status)
	assert.Equal(t, "boom", run.Error)

	n, err := s.Prune(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []int{writeRetries, writeRetries}, rec.retries)
}

func TestStore_Ping(t *testing.T) {
	s := setupStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestWorkflowRun_MarshalJSON(t *testing.T) {
	run := WorkflowRun{
		ID:        "wf",
		Input:     `[{"role":"user","content":"hi"}]`,
		Status:    workflow.StatusRunning,
		StartedAt: t0,
	}
	data, err := json.Marshal(run)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "wf", decoded["id"])
	assert.Equal(t, "running", decoded["status"])
	assert.NotContains(t, decoded, "finished_at")
	input, ok := decoded["input"].([]any)
	require.True(t, ok)
	assert.Len(t, input, 1)

	empty, err := json.Marshal(WorkflowRun{ID: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(empty), `"input":[]`)
}
