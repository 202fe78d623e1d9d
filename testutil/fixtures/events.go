// =============================================================================
// 📦 测试数据工厂 - 图执行器原始事件
// =============================================================================
// 提供预定义的原始事件与常见场景，用于翻译器、适配器与 API 测试
// =============================================================================
package fixtures

import (
	"github.com/BaSui01/teamflow/types"
	"github.com/BaSui01/teamflow/workflow"
)

// =============================================================================
// 🎯 原始事件工厂
// =============================================================================

// Metadata 构造包含 checkpoint_ns 与 langgraph_step 的元数据
func Metadata(node string, step int) map[string]any {
	return map[string]any{
		workflow.MetadataCheckpointNS: node + ":1f0c-checkpoint",
		workflow.MetadataStep:         float64(step),
	}
}

// ChainStart 返回 on_chain_start 事件
func ChainStart(name string) workflow.RawEvent {
	return workflow.RawEvent{Kind: workflow.KindChainStart, Name: name, Data: map[string]any{}}
}

// ChainEnd 返回 on_chain_end 事件
func ChainEnd(name string) workflow.RawEvent {
	return workflow.RawEvent{Kind: workflow.KindChainEnd, Name: name, Data: map[string]any{}}
}

// ChatModelStart 返回 on_chat_model_start 事件
func ChatModelStart(node string, step int) workflow.RawEvent {
	return workflow.RawEvent{
		Kind:     workflow.KindChatModelStart,
		Name:     "ChatOpenAI",
		Metadata: Metadata(node, step),
	}
}

// ChatModelStream 返回 on_chat_model_stream 事件，content 为 nil 时不带 content 字段
func ChatModelStream(node string, step int, content any) workflow.RawEvent {
	chunk := map[string]any{"type": "AIMessageChunk"}
	if content != nil {
		chunk["content"] = content
	}
	return workflow.RawEvent{
		Kind:     workflow.KindChatModelStream,
		Name:     "ChatOpenAI",
		Data:     map[string]any{"chunk": chunk},
		Metadata: Metadata(node, step),
	}
}

// ChatModelEnd 返回 on_chat_model_end 事件
func ChatModelEnd(node string, step int) workflow.RawEvent {
	return workflow.RawEvent{
		Kind:     workflow.KindChatModelEnd,
		Name:     "ChatOpenAI",
		Metadata: Metadata(node, step),
	}
}

// ToolStart 返回 on_tool_start 事件
func ToolStart(node, tool string, step int, input any) workflow.RawEvent {
	return workflow.RawEvent{
		Kind:     workflow.KindToolStart,
		Name:     tool,
		Data:     map[string]any{"input": input},
		Metadata: Metadata(node, step),
	}
}

// ToolEnd 返回 on_tool_end 事件，output 为消息形态 {"content": result}
func ToolEnd(node, tool string, step int, result any) workflow.RawEvent {
	return workflow.RawEvent{
		Kind:     workflow.KindToolEnd,
		Name:     tool,
		Data:     map[string]any{"output": map[string]any{"type": "tool", "content": result}},
		Metadata: Metadata(node, step),
	}
}

// =============================================================================
// 🎬 场景
// =============================================================================

// UserInput 返回单条用户消息
func UserInput(text string) []types.Message {
	return []types.Message{types.NewUserMessage(text)}
}

// HelloScenario 模型启动、输出 "Hello"、结束
func HelloScenario() []workflow.RawEvent {
	return []workflow.RawEvent{
		ChatModelStart("supervisor", 1),
		ChatModelStream("supervisor", 1, "Hello"),
		ChatModelEnd("supervisor", 1),
	}
}

// ToolScenario 研究员调用 search 工具
func ToolScenario() []workflow.RawEvent {
	return []workflow.RawEvent{
		ToolStart("researcher", "search", 3, map[string]any{"q": "x"}),
		ToolEnd("researcher", "search", 3, "result"),
	}
}

// TeamScenario 覆盖全部分发规则的完整运行，包含应被丢弃的事件
func TeamScenario() []workflow.RawEvent {
	return []workflow.RawEvent{
		ChainStart("LangGraph"),
		ChainStart("supervisor"),
		ChatModelStart("supervisor", 1),
		ChatModelStream("supervisor", 1, ""),
		ChatModelStream("supervisor", 1, "route"),
		ChatModelEnd("supervisor", 1),
		ChainEnd("supervisor"),
		ChainStart("researcher"),
		ToolStart("researcher", "tavily_search", 2, map[string]any{"query": "go"}),
		ToolEnd("researcher", "tavily_search", 2, "results"),
		{Kind: workflow.KindChainStream, Name: "researcher"},
		ChainEnd("researcher"),
		ChainEnd("LangGraph"),
	}
}
