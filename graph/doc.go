// Package graph 提供 workflow.Graph 的具体实现（上游原始事件来源）。
//
//   - remote: LangGraph 兼容服务的 SSE 客户端（POST /runs/stream，stream_mode=events）
//   - replay: 从 JSONL 录制文件回放原始事件
//
// New 根据 config.GraphConfig.Mode 选择实现。
package graph
