// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 teamflow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了工作流事件流（SSE 与 WebSocket）、运行历史查询、
健康检查以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口，
通过 Swagger 注解生成 API 文档。

# 核心类型

  - WorkflowHandler: 团队对话事件流与运行历史（/api/chat/*, /api/workflows/*）
  - HealthHandler: 服务健康检查（/health, /healthz, /ready, /version）
  - Response: 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo: 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter: 包装 http.ResponseWriter 以捕获状态码与字节数，支持 Unwrap
  - HealthCheck: 可插拔健康检查接口（Database、Redis 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteAnyError / WriteJSON
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - SSE：每个输出事件写为 event/data 帧，上游失败写为 event: error，定期保活
  - WebSocket：一帧请求、每事件一帧响应，客户端关闭即取消运行
  - 可扩展健康检查：RegisterCheck 注册 HealthCheck，/ready 并发执行
*/
package handlers
