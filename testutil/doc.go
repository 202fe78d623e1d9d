// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 teamflow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertMessagesEqual / AssertJSONEqual / AssertEventuallyTrue
  - 数据工具: MustJSON / MustParseJSON / WriteJSONL
  - 通道辅助: WaitFor / WaitForChannel

# 子包

  - testutil/mocks: ScriptedGraph（按脚本产出原始事件的图执行器）、
    BlockingGraph（直到 ctx 取消才结束）、RecordingObserver
  - testutil/fixtures: 原始事件工厂与常用场景（问候、工具调用）

testutil 本身不依赖 workflow 包，workflow 的内部测试也可以使用它。
*/
package testutil
