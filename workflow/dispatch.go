package workflow

// Translate maps one raw event of the run workflowID to an output event.
// ok is false when the event is dropped.
func Translate(workflowID string, ev RawEvent) (out OutputEvent, ok bool) {
	switch ev.Kind {
	case KindChainStart:
		if !IsAgent(ev.Name) {
			return OutputEvent{}, false
		}
		return OutputEvent{Event: EventStartOfAgent, Data: agentData(workflowID, ev.Name)}, true

	case KindChainEnd:
		if !IsAgent(ev.Name) {
			return OutputEvent{}, false
		}
		return OutputEvent{Event: EventEndOfAgent, Data: agentData(workflowID, ev.Name)}, true

	case KindChatModelStart:
		return OutputEvent{Event: EventStartOfLLM, Data: LLMData{AgentName: ev.Node()}}, true

	case KindChatModelEnd:
		return OutputEvent{Event: EventEndOfLLM, Data: LLMData{AgentName: ev.Node()}}, true

	case KindChatModelStream:
		content, has := ev.ChunkContent()
		if !has {
			return OutputEvent{}, false
		}
		return OutputEvent{Event: EventMessage, Data: MessageData{AgentName: ev.Node(), Content: content}}, true

	case KindToolStart:
		return OutputEvent{Event: EventToolCall, Data: ToolCallData{
			ToolCallID: ToolCallID(workflowID, ev.Node(), ev.Name, ev.Step()),
			ToolName:   ev.Name,
			ToolInput:  ev.ToolInput(),
		}}, true

	case KindToolEnd:
		return OutputEvent{Event: EventToolCallResult, Data: ToolResultData{
			ToolCallID: ToolCallID(workflowID, ev.Node(), ev.Name, ev.Step()),
			ToolName:   ev.Name,
			ToolResult: ev.ToolOutput(),
		}}, true

	default:
		// 其余事件（on_chain_stream、非 Agent 的链事件等）一律丢弃
		return OutputEvent{}, false
	}
}

// AgentID is the id of agent name within workflowID.
func AgentID(workflowID, name string) string {
	return workflowID + "_" + name
}

// ToolCallID keys one tool invocation; tool_call and tool_call_result of the
// same invocation share it.
func ToolCallID(workflowID, node, tool, step string) string {
	return workflowID + "_" + node + "_" + tool + "_" + step
}

func agentData(workflowID, name string) AgentData {
	return AgentData{AgentName: name, AgentID: AgentID(workflowID, name)}
}
