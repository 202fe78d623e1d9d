package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/teamflow/internal/database"
	"github.com/BaSui01/teamflow/types"
	"github.com/BaSui01/teamflow/workflow"
)

const (
	// DefaultListLimit List 的默认条数
	DefaultListLimit = 20
	// MaxListLimit List 的最大条数
	MaxListLimit = 200

	// 写事务遇到死锁、锁等待等瞬时错误时的最大尝试次数
	writeRetries = 3
)

// QueryRecorder 接收查询耗时（由 metrics.Collector 实现）
type QueryRecorder interface {
	RecordDBQuery(database, operation string, duration time.Duration)
}

// Transactor 在事务中执行写操作（由 database.PoolManager 实现）
type Transactor interface {
	WithTransactionRetry(ctx context.Context, maxRetries int, fn database.TransactionFunc) error
}

// Store 基于 GORM 的运行历史存储
type Store struct {
	db       *gorm.DB
	tx       Transactor
	logger   *zap.Logger
	recorder QueryRecorder
	now      func() time.Time

	mu     sync.Mutex
	counts map[string]int
}

var _ workflow.Observer = (*Store)(nil)

// Option 配置 Store
type Option func(*Store)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithQueryRecorder 上报查询耗时
func WithQueryRecorder(r QueryRecorder) Option {
	return func(s *Store) {
		s.recorder = r
	}
}

// WithTransactor 终态更新与清理经由 tx 执行并重试瞬时错误
func WithTransactor(tx Transactor) Option {
	return func(s *Store) {
		s.tx = tx
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore 创建存储
func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: zap.NewNop(),
		now:    time.Now,
		counts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "history"))
	return s
}

// AutoMigrate 直接建表（生产环境使用 teamflow migrate）
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&WorkflowRun{})
}

// =============================================================================
// workflow.Observer
// =============================================================================

// OnWorkflowStart 插入 running 记录
func (s *Store) OnWorkflowStart(ctx context.Context, run workflow.Run) error {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("encode workflow input: %w", err)
	}

	s.mu.Lock()
	s.counts[run.WorkflowID] = 0
	s.mu.Unlock()

	rec := &WorkflowRun{
		ID:        run.WorkflowID,
		Input:     string(input),
		Debug:     run.Debug,
		Status:    workflow.StatusRunning,
		StartedAt: run.StartedAt.UTC(),
	}
	return s.timed("insert", func() error {
		return s.db.WithContext(ctx).Create(rec).Error
	})
}

// OnEvent 只在内存中计数，结束时一次性写入
func (s *Store) OnEvent(_ context.Context, workflowID string, _ workflow.OutputEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[workflowID]++
	return nil
}

// OnWorkflowEnd 写入终态
func (s *Store) OnWorkflowEnd(ctx context.Context, workflowID string, status workflow.RunStatus, cause error) error {
	s.mu.Lock()
	count := s.counts[workflowID]
	delete(s.counts, workflowID)
	s.mu.Unlock()

	finished := s.now().UTC()
	updates := map[string]any{
		"status":      status,
		"event_count": count,
		"finished_at": finished,
	}
	if cause != nil {
		updates["error"] = cause.Error()
	}

	return s.timed("update", func() error {
		return s.transact(ctx, func(tx *gorm.DB) error {
			res := tx.Model(&WorkflowRun{}).Where("id = ?", workflowID).Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				s.logger.Warn("workflow run not found on finish", zap.String("workflow_id", workflowID))
			}
			return nil
		})
	})
}

// =============================================================================
// 查询
// =============================================================================

// Get 按 ID 查询，不存在时返回 NOT_FOUND 错误
func (s *Store) Get(ctx context.Context, id string) (*WorkflowRun, error) {
	var run WorkflowRun
	err := s.timed("get", func() error {
		return s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("workflow run %q not found", id)).
			WithHTTPStatus(404)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListOptions 列表查询条件
type ListOptions struct {
	Limit  int
	Status workflow.RunStatus
}

// List 按开始时间倒序列出运行记录
func (s *Store) List(ctx context.Context, opts ListOptions) ([]WorkflowRun, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var runs []WorkflowRun
	err := s.timed("list", func() error {
		q := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
		if opts.Status != "" {
			q = q.Where("status = ?", opts.Status)
		}
		return q.Find(&runs).Error
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Prune 删除 before 之前结束的记录
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.timed("prune", func() error {
		return s.transact(ctx, func(tx *gorm.DB) error {
			res := tx.Where("finished_at IS NOT NULL AND finished_at < ?", before.UTC()).
				Delete(&WorkflowRun{})
			n = res.RowsAffected
			return res.Error
		})
	})
	return n, err
}

// Ping 就绪检查
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// transact 有 Transactor 时走带重试的事务，否则直接开事务
func (s *Store) transact(ctx context.Context, fn database.TransactionFunc) error {
	if s.tx != nil {
		return s.tx.WithTransactionRetry(ctx, writeRetries, fn)
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) timed(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if s.recorder != nil {
		s.recorder.RecordDBQuery("workflow_runs", op, time.Since(start))
	}
	return err
}
