// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、工作流运行、事件流归档与数据库四个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。

# 核心类型

  - Collector：指标收集器，同时实现 workflow.Observer，
    作为观察者挂到 workflow.Runner 上。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 工作流指标：启动/结束总数（completed/failed/cancelled）、
    运行耗时、活跃运行数、输出事件数（按事件类型）、
    Agent 激活次数（按 agent_name）、工具调用次数（按 tool_name）。
  - 归档指标：事件流写入成功/失败计数，按 sink 分组。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram。
*/
package metrics
