// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 把多 Agent 图执行器的原始事件流翻译为面向客户端的事件协议。

# 概述

Runner 校验输入消息，分配 workflow_id，订阅外部图执行器（Graph）的原始事件流，
按固定的分发表把其中一部分事件映射为 OutputEvent，按到达顺序逐条、无缓冲地
发给调用方，最后发出 end_of_workflow。

# 核心类型

  - RawEvent / RawKind: 图执行器产生的原始事件（on_chain_start 等）
  - OutputEvent / EventType: 输出事件（start_of_workflow ... end_of_workflow）
  - Graph: 外部图执行器接口，由 graph/remote、graph/replay 实现
  - Runner: 事件翻译器，Run 返回只读事件 channel
  - Observer: 运行生命周期观察者（指标、历史、事件流归档）

# 错误

  - 空消息：同步返回 types.ErrInvalidInput，不发出任何事件
  - 上游失败：以 EventResult.Err（types.ErrUpstreamFailure）作为最后一个元素，
    随后关闭 channel，不发出 end_of_workflow
  - 元数据缺失或类型不符：node / step 退化为空字符串
*/
package workflow
