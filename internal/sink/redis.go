package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/teamflow/config"
	"github.com/BaSui01/teamflow/types"
	"github.com/BaSui01/teamflow/workflow"
)

// =============================================================================
// 📮 Redis 事件流
// =============================================================================

const (
	// Name 指标中的 sink 标签
	Name = "redis"

	keyPrefix = "teamflow:events:"
	runsKey   = "teamflow:runs"
)

// StreamKey 返回运行对应的流 key
func StreamKey(workflowID string) string {
	return keyPrefix + workflowID
}

// WriteRecorder 接收写入结果（由 metrics.Collector 实现）
type WriteRecorder interface {
	RecordSinkWrite(sink string, err error)
}

// RedisSink 基于 Redis Stream 的事件归档
type RedisSink struct {
	client   redis.UniversalClient
	ttl      time.Duration
	maxLen   int64
	logger   *zap.Logger
	recorder WriteRecorder
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
}

var _ workflow.Observer = (*RedisSink)(nil)

// Option 配置 RedisSink
type Option func(*RedisSink)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *RedisSink) {
		s.logger = logger
	}
}

// WithWriteRecorder 上报写入结果
func WithWriteRecorder(r WriteRecorder) Option {
	return func(s *RedisSink) {
		s.recorder = r
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *RedisSink) {
		s.now = now
	}
}

// New 连接 Redis 并创建事件流归档
func New(cfg config.RedisConfig, opts ...Option) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	client := redis.NewClient(clientOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg, opts...)
	s.logger.Info("redis event sink initialized",
		zap.String("addr", cfg.Addr),
		zap.Duration("stream_ttl", s.ttl),
		zap.Int64("stream_max_len", s.maxLen),
	)
	return s, nil
}

// clientOptions 由配置构造客户端选项。
// 读写遵循调用方 ctx 的截止时间，观察者超时才能真正生效。
func clientOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		PoolSize:              cfg.PoolSize,
		MinIdleConns:          cfg.MinIdleConns,
		ContextTimeoutEnabled: true,
	}
}

// NewWithClient 使用已有客户端创建
func NewWithClient(client redis.UniversalClient, cfg config.RedisConfig, opts ...Option) *RedisSink {
	s := &RedisSink{
		client: client,
		ttl:    cfg.StreamTTL,
		maxLen: cfg.StreamMaxLen,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "event_sink"))
	return s
}

// =============================================================================
// workflow.Observer
// =============================================================================

// OnWorkflowStart 在 teamflow:runs 中登记运行
func (s *RedisSink) OnWorkflowStart(ctx context.Context, run workflow.Run) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, runsKey, redis.Z{
		Score:  float64(run.StartedAt.Unix()),
		Member: run.WorkflowID,
	})
	if s.ttl > 0 {
		// 过期运行的登记一并清理
		cutoff := s.now().Add(-s.ttl).Unix()
		pipe.ZRemRangeByScore(ctx, runsKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
	}
	_, err := pipe.Exec(ctx)
	return s.record(err, "register run")
}

// OnEvent 追加一条事件
func (s *RedisSink) OnEvent(ctx context.Context, workflowID string, ev workflow.OutputEvent) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return s.record(err, "encode event")
	}

	args := &redis.XAddArgs{
		Stream: StreamKey(workflowID),
		Values: map[string]any{
			"event": string(ev.Event),
			"data":  string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.record(s.client.XAdd(ctx, args).Err(), "append event")
}

// OnWorkflowEnd 为流设置过期时间
func (s *RedisSink) OnWorkflowEnd(ctx context.Context, workflowID string, _ workflow.RunStatus, _ error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.ttl <= 0 {
		return nil
	}
	return s.record(s.client.Expire(ctx, StreamKey(workflowID), s.ttl).Err(), "expire stream")
}

// =============================================================================
// 🔁 重放
// =============================================================================

// Replay 读取某次运行已归档的全部事件，data 以原始 JSON 返回
func (s *RedisSink) Replay(ctx context.Context, workflowID string) ([]workflow.OutputEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	msgs, err := s.client.XRange(ctx, StreamKey(workflowID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if len(msgs) == 0 {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("no events recorded for workflow %q", workflowID)).
			WithHTTPStatus(404)
	}

	events := make([]workflow.OutputEvent, 0, len(msgs))
	for _, msg := range msgs {
		name, _ := msg.Values["event"].(string)
		raw, _ := msg.Values["data"].(string)
		ev := workflow.OutputEvent{Event: workflow.EventType(name)}
		if raw != "" && raw != "null" {
			ev.Data = json.RawMessage(raw)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Recent 返回最近登记的运行 ID（新的在前）
func (s *RedisSink) Recent(ctx context.Context, limit int64) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return s.client.ZRevRange(ctx, runsKey, 0, limit-1).Result()
}

// Ping 就绪检查
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close 关闭客户端
func (s *RedisSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func (s *RedisSink) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("event sink is closed")
	}
	return nil
}

func (s *RedisSink) record(err error, op string) error {
	if s.recorder != nil {
		s.recorder.RecordSinkWrite(Name, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
