package api

import "github.com/BaSui01/teamflow/types"

// =============================================================================
// 流式对话类型
// =============================================================================

// EventError 流中的错误事件名（SSE event 字段 / WebSocket 帧 event 字段）
const EventError = "error"

// ChatStreamRequest 表示一次团队对话请求。
// @Description 流式对话请求结构
type ChatStreamRequest struct {
	// 对话消息，不可为空
	Messages []types.Message `json:"messages" binding:"required"`
	// 为 true 时本次运行打开 debug 日志
	Debug bool `json:"debug,omitempty" example:"false"`
}

// Validate 校验请求
func (r *ChatStreamRequest) Validate() error {
	if len(r.Messages) == 0 {
		return types.NewInvalidInputError("input could not be empty")
	}
	return nil
}

// StreamError 流中断时写出的错误载荷
// @Description 流式错误载荷
type StreamError struct {
	Code    string `json:"code" example:"UPSTREAM_FAILURE"`
	Message string `json:"message"`
}

// NewStreamError 从任意错误构造载荷
func NewStreamError(err error) StreamError {
	if e, ok := types.AsError(err); ok {
		return StreamError{Code: string(e.Code), Message: e.Message}
	}
	return StreamError{Code: string(types.ErrInternalError), Message: err.Error()}
}

// Frame 是 WebSocket 上传输的单个事件帧
// @Description WebSocket 事件帧
type Frame struct {
	Event string `json:"event" example:"message"`
	Data  any    `json:"data,omitempty"`
}

// =============================================================================
// 运行历史类型
// =============================================================================

// WorkflowEvents 某次运行归档的事件
type WorkflowEvents struct {
	WorkflowID string  `json:"workflow_id"`
	Events     []Frame `json:"events"`
}
