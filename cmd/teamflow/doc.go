// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 teamflow 服务端程序入口。

# 概述

cmd/teamflow 是 teamflow 的可执行入口，提供 HTTP/WebSocket 事件流服务、
录制重放、数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
按命名空间分级的结构化日志（zap）、Prometheus 指标采集以及日志级别热重载。

# 核心类型

  - Server: 组装图执行器、运行器、历史存储、事件归档与双端口 HTTP 服务
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、replay（离线翻译 JSONL 录制）、migrate、health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    OTelTracing、MetricsMiddleware、CORS、APIKeyAuth 或 JWTAuth、
    RateLimiter（按租户或 IP）
  - 可选后端：数据库（运行历史）与 Redis（事件归档），未配置时对应接口返回 404
  - 配置热重载：config.Watcher 监听文件变更并更新日志级别
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号取消 context → 关闭 HTTP 与 Metrics → 释放 Redis、数据库、遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
