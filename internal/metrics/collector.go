// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/teamflow/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时作为 workflow.Observer 记录运行指标
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Workflow 指标
	workflowsStarted  prometheus.Counter
	workflowsFinished *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	workflowsActive   prometheus.Gauge
	workflowEvents    *prometheus.CounterVec
	agentActivations  *prometheus.CounterVec
	toolCalls         *prometheus.CounterVec

	// 事件流归档指标
	sinkWrites *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger

	mu      sync.Mutex
	started map[string]time.Time
}

var _ workflow.Observer = (*Collector)(nil)

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger:  logger.With(zap.String("component", "metrics")),
		started: make(map[string]time.Time),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// Workflow 指标
	c.workflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Total number of workflow runs started",
		},
	)

	c.workflowsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Total number of workflow runs finished",
		},
		[]string{"status"}, // completed, failed, cancelled
	)

	c.workflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	c.workflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_active",
			Help:      "Number of workflow runs in progress",
		},
	)

	c.workflowEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_events_total",
			Help:      "Total number of output events emitted",
		},
		[]string{"event"},
	)

	c.agentActivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_activations_total",
			Help:      "Total number of times an agent started working",
		},
		[]string{"agent_name"},
	)

	c.toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls",
		},
		[]string{"tool_name"},
	)

	c.sinkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_writes_total",
			Help:      "Total number of event sink writes",
		},
		[]string{"sink", "status"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔄 Workflow 指标记录（workflow.Observer）
// =============================================================================

// OnWorkflowStart 记录运行开始
func (c *Collector) OnWorkflowStart(_ context.Context, run workflow.Run) error {
	c.mu.Lock()
	c.started[run.WorkflowID] = run.StartedAt
	c.mu.Unlock()

	c.workflowsStarted.Inc()
	c.workflowsActive.Inc()
	return nil
}

// OnEvent 记录输出事件
func (c *Collector) OnEvent(_ context.Context, _ string, ev workflow.OutputEvent) error {
	c.workflowEvents.WithLabelValues(string(ev.Event)).Inc()

	switch data := ev.Data.(type) {
	case workflow.AgentData:
		if ev.Event == workflow.EventStartOfAgent {
			c.agentActivations.WithLabelValues(data.AgentName).Inc()
		}
	case workflow.ToolCallData:
		c.toolCalls.WithLabelValues(data.ToolName).Inc()
	}
	return nil
}

// OnWorkflowEnd 记录运行结束与耗时
func (c *Collector) OnWorkflowEnd(_ context.Context, workflowID string, status workflow.RunStatus, _ error) error {
	c.mu.Lock()
	startedAt, ok := c.started[workflowID]
	delete(c.started, workflowID)
	c.mu.Unlock()

	c.workflowsFinished.WithLabelValues(string(status)).Inc()
	if ok {
		c.workflowsActive.Dec()
		c.workflowDuration.WithLabelValues(string(status)).Observe(time.Since(startedAt).Seconds())
	}
	return nil
}

// =============================================================================
// 📮 事件流归档指标记录
// =============================================================================

// RecordSinkWrite 记录一次归档写入
func (c *Collector) RecordSinkWrite(sink string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.sinkWrites.WithLabelValues(sink, status).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
