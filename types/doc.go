// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 teamflow 服务的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、graph、api
等上层模块提供统一的类型契约。

# 核心类型

  - Message / ContentItem: 输入消息（content 可为字符串或多段内容）
  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - Context 传播：WithTraceID / WithRequestID / WithTenantID / WithWorkflowID 等
  - 错误工具链：AsError / IsErrorCode / GetErrorCode / IsRetryable
  - 常用错误构造：NewInvalidInputError / NewUpstreamError
*/
package types
