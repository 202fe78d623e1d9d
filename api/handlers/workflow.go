package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/teamflow/api"
	"github.com/BaSui01/teamflow/internal/history"
	"github.com/BaSui01/teamflow/types"
	"github.com/BaSui01/teamflow/workflow"
)

// =============================================================================
// 🤝 团队工作流 Handler
// =============================================================================

// Runner 启动一次工作流运行（由 workflow.Runner 实现）
type Runner interface {
	Run(ctx context.Context, messages []types.Message, debug bool) (<-chan workflow.EventResult, error)
}

// RunStore 运行历史查询（由 history.Store 实现）
type RunStore interface {
	Get(ctx context.Context, id string) (*history.WorkflowRun, error)
	List(ctx context.Context, opts history.ListOptions) ([]history.WorkflowRun, error)
}

// EventArchive 已归档事件查询（由 sink.RedisSink 实现）
type EventArchive interface {
	Replay(ctx context.Context, workflowID string) ([]workflow.OutputEvent, error)
	Recent(ctx context.Context, limit int64) ([]string, error)
}

// WorkflowRunList 运行历史列表响应
type WorkflowRunList struct {
	Runs  []history.WorkflowRun `json:"runs"`
	Count int                   `json:"count"`
}

// WorkflowHandler 处理对话流与运行历史接口
type WorkflowHandler struct {
	runner    Runner
	store     RunStore
	archive   EventArchive
	logger    *zap.Logger
	heartbeat time.Duration
	wsOptions *websocket.AcceptOptions

	allowDebug bool
	debugRoles []string
}

// WorkflowOption 配置 WorkflowHandler
type WorkflowOption func(*WorkflowHandler)

// WithRunStore 启用 /api/workflows 与 /api/workflows/{id}
func WithRunStore(store RunStore) WorkflowOption {
	return func(h *WorkflowHandler) {
		h.store = store
	}
}

// WithEventArchive 启用 /api/workflows/{id}/events
func WithEventArchive(archive EventArchive) WorkflowOption {
	return func(h *WorkflowHandler) {
		h.archive = archive
	}
}

// WithHeartbeat 设置 SSE 保活注释的间隔，0 表示关闭
func WithHeartbeat(d time.Duration) WorkflowOption {
	return func(h *WorkflowHandler) {
		h.heartbeat = d
	}
}

// WithAllowedOrigins 设置 WebSocket 允许的跨域来源（host 模式，如 "*.example.com"）
func WithAllowedOrigins(patterns []string) WorkflowOption {
	return func(h *WorkflowHandler) {
		h.wsOptions = &websocket.AcceptOptions{OriginPatterns: patterns}
	}
}

// WithDebugPolicy 限制请求中的 debug 开关：allowAll 为 false 时，
// 只有持有 roles 之一的调用方能打开 debug 日志，其余请求按 debug=false 运行
func WithDebugPolicy(allowAll bool, roles []string) WorkflowOption {
	return func(h *WorkflowHandler) {
		h.allowDebug = allowAll
		h.debugRoles = roles
	}
}

// NewWorkflowHandler 创建处理器
func NewWorkflowHandler(runner Runner, logger *zap.Logger, opts ...WorkflowOption) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &WorkflowHandler{
		runner:    runner,
		logger:     logger.With(zap.String("handler", "workflow")),
		heartbeat:  15 * time.Second,
		allowDebug: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// 📡 SSE
// =============================================================================

// HandleChatStream 以 SSE 推送输出事件
// @Summary 流式团队对话
// @Description 每个输出事件写为 `event: <类型>` + `data: <JSON>`；上游失败写为 `event: error`
// @Tags 对话
// @Accept json
// @Produce text/event-stream
// @Param request body api.ChatStreamRequest true "对话请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Security ApiKeyAuth
// @Router /api/chat/stream [post]
func (h *WorkflowHandler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.ChatStreamRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := req.Validate(); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	// 客户端断开 → r.Context() 取消 → 运行停止
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := h.runner.Run(ctx, req.Messages, h.debugAllowed(r.Context(), req.Debug))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	rc := http.NewResponseController(w)
	// 流式响应不受 server WriteTimeout 限制
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	w.WriteHeader(http.StatusOK)
	h.flush(rc)

	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case res, ok := <-stream:
			if !ok {
				return
			}
			name, data := string(res.Event.Event), res.Event.Data
			if res.Err != nil {
				name, data = api.EventError, api.NewStreamError(res.Err)
			}
			if err := writeSSE(w, name, data); err != nil {
				h.logger.Debug("sse write failed, stopping run", zap.Error(err))
				return
			}
			h.flush(rc)
		case <-tick:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			h.flush(rc)
		}
	}
}

// debugAllowed 决定是否采纳请求中的 debug
func (h *WorkflowHandler) debugAllowed(ctx context.Context, requested bool) bool {
	if !requested || h.allowDebug {
		return requested
	}
	if roles, ok := types.Roles(ctx); ok {
		for _, role := range roles {
			if slices.Contains(h.debugRoles, role) {
				return true
			}
		}
	}

	var fields []zap.Field
	if user, ok := types.UserID(ctx); ok {
		fields = append(fields, zap.String("user_id", user))
	}
	if tenant, ok := types.TenantID(ctx); ok {
		fields = append(fields, zap.String("tenant_id", tenant))
	}
	h.logger.Warn("client debug request ignored", fields...)
	return false
}

func (h *WorkflowHandler) flush(rc *http.ResponseController) {
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug("sse flush failed", zap.Error(err))
	}
}

// writeSSE 写出一帧 `event: <name>\ndata: <json>\n\n`
func writeSSE(w io.Writer, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}

// =============================================================================
// 🔌 WebSocket
// =============================================================================

var errClientGone = errors.New("websocket client went away")

// HandleChatWebSocket 通过 WebSocket 推送输出事件。
//
// 客户端先发送一帧 api.ChatStreamRequest，之后每个输出事件对应一帧
// api.Frame。客户端后续发送的消息被丢弃，连接关闭即取消运行。
// @Summary WebSocket 团队对话
// @Tags 对话
// @Security ApiKeyAuth
// @Router /api/chat/ws [get]
func (h *WorkflowHandler) HandleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.wsOptions)
	if err != nil {
		// Accept 已写出 HTTP 错误响应
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var req api.ChatStreamRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		// 非 JSON 时 wsjson 已以 StatusInvalidFramePayloadData 关闭连接
		h.logger.Debug("websocket request frame rejected", zap.Error(err))
		return
	}
	if err := req.Validate(); err != nil {
		h.closeWithError(ctx, conn, websocket.StatusPolicyViolation, err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	stream, err := h.runner.Run(gctx, req.Messages, h.debugAllowed(ctx, req.Debug))
	if err != nil {
		h.closeWithError(ctx, conn, websocket.StatusPolicyViolation, err)
		return
	}

	// 读协程：只负责发现客户端关闭
	g.Go(func() error {
		for {
			if _, _, err := conn.Read(gctx); err != nil {
				return fmt.Errorf("%w: %w", errClientGone, err)
			}
		}
	})

	// 写协程：逐事件写帧，结束后正常关闭
	var finished atomic.Bool
	g.Go(func() error {
		for res := range stream {
			frame := api.Frame{Event: string(res.Event.Event), Data: res.Event.Data}
			if res.Err != nil {
				frame = api.Frame{Event: api.EventError, Data: api.NewStreamError(res.Err)}
			}
			if err := wsjson.Write(gctx, conn, frame); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
		}
		finished.Store(true)
		conn.Close(websocket.StatusNormalClosure, "")
		return nil
	})

	err = g.Wait()
	switch {
	case err == nil, finished.Load() && errors.Is(err, errClientGone):
	case errors.Is(err, errClientGone):
		h.logger.Info("websocket client disconnected", zap.Error(err))
	default:
		h.logger.Warn("websocket stream aborted", zap.Error(err))
	}
}

func (h *WorkflowHandler) closeWithError(ctx context.Context, conn *websocket.Conn, code websocket.StatusCode, err error) {
	frame := api.Frame{Event: api.EventError, Data: api.NewStreamError(err)}
	if werr := wsjson.Write(ctx, conn, frame); werr != nil {
		h.logger.Debug("failed to write error frame", zap.Error(werr))
	}
	conn.Close(code, string(types.GetErrorCode(err)))
}

// =============================================================================
// 📜 运行历史
// =============================================================================

// HandleListWorkflows 列出运行记录
// @Summary 运行历史列表
// @Tags 历史
// @Produce json
// @Param limit query int false "条数（默认 20，最大 200）"
// @Param status query string false "running / completed / failed / cancelled"
// @Success 200 {object} Response{data=WorkflowRunList}
// @Failure 404 {object} Response "未启用历史存储"
// @Security ApiKeyAuth
// @Router /api/workflows [get]
func (h *WorkflowHandler) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, errHistoryDisabled(), h.logger)
		return
	}

	opts := history.ListOptions{}
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be a non-negative integer", h.logger)
			return
		}
		opts.Limit = n
	}
	if raw := q.Get("status"); raw != "" {
		status, ok := parseRunStatus(raw)
		if !ok {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, fmt.Sprintf("unknown status %q", raw), h.logger)
			return
		}
		opts.Status = status
	}

	runs, err := h.store.List(r.Context(), opts)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if runs == nil {
		runs = []history.WorkflowRun{}
	}
	WriteSuccess(w, WorkflowRunList{Runs: runs, Count: len(runs)})
}

// HandleGetWorkflow 查询单次运行
// @Summary 运行详情
// @Tags 历史
// @Produce json
// @Param id path string true "workflow id"
// @Success 200 {object} Response{data=history.WorkflowRun}
// @Failure 404 {object} Response "不存在或未启用"
// @Security ApiKeyAuth
// @Router /api/workflows/{id} [get]
func (h *WorkflowHandler) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, errHistoryDisabled(), h.logger)
		return
	}
	run, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleWorkflowEvents 重放已归档的事件
// @Summary 事件重放
// @Tags 历史
// @Produce json
// @Param id path string true "workflow id"
// @Success 200 {object} Response{data=api.WorkflowEvents}
// @Failure 404 {object} Response "无归档或未启用"
// @Security ApiKeyAuth
// @Router /api/workflows/{id}/events [get]
func (h *WorkflowHandler) HandleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		WriteError(w, errArchiveDisabled(), h.logger)
		return
	}
	id := r.PathValue("id")
	events, err := h.archive.Replay(r.Context(), id)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	frames := make([]api.Frame, len(events))
	for i, ev := range events {
		frames[i] = api.Frame{Event: string(ev.Event), Data: ev.Data}
	}
	WriteSuccess(w, api.WorkflowEvents{WorkflowID: id, Events: frames})
}

// HandleRecentWorkflows 列出最近归档的运行 ID
// @Summary 最近归档的运行
// @Tags 历史
// @Produce json
// @Param limit query int false "条数（默认 20）"
// @Security ApiKeyAuth
// @Router /api/workflows/recent [get]
func (h *WorkflowHandler) HandleRecentWorkflows(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		WriteError(w, errArchiveDisabled(), h.logger)
		return
	}
	var limit int64
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be a non-negative integer", h.logger)
			return
		}
		limit = n
	}
	ids, err := h.archive.Recent(r.Context(), limit)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	WriteSuccess(w, map[string]any{"workflow_ids": ids})
}

// Register 把全部路由挂到 mux 上
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/stream", h.HandleChatStream)
	mux.HandleFunc("GET /api/chat/ws", h.HandleChatWebSocket)
	mux.HandleFunc("GET /api/workflows", h.HandleListWorkflows)
	mux.HandleFunc("GET /api/workflows/recent", h.HandleRecentWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", h.HandleGetWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/events", h.HandleWorkflowEvents)
}

func errHistoryDisabled() *types.Error {
	return types.NewError(types.ErrNotFound, "workflow history is not configured").
		WithHTTPStatus(http.StatusNotFound)
}

func errArchiveDisabled() *types.Error {
	return types.NewError(types.ErrNotFound, "event archive is not configured").
		WithHTTPStatus(http.StatusNotFound)
}

func parseRunStatus(s string) (workflow.RunStatus, bool) {
	switch st := workflow.RunStatus(s); st {
	case workflow.StatusRunning, workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusCancelled:
		return st, true
	}
	return "", false
}
