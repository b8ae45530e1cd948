package agent

import (
	"encoding/json"
	"fmt"

	"github.com/nugget/secretplan/internal/llm"
	"github.com/nugget/secretplan/internal/messages"
)

// toLLMMessages flattens model history into provider chat messages. The
// instructions of the most recent request become the leading system
// message. Retry prompts bound to a tool call are sent as that call's
// tool result so every assistant tool call is answered.
func toLLMMessages(history []messages.Message) []llm.Message {
	var (
		out          []llm.Message
		instructions string
	)
	for _, msg := range history {
		switch m := msg.(type) {
		case *messages.ModelRequest:
			if m.Instructions != nil {
				instructions = *m.Instructions
			}
			for _, part := range m.Parts {
				switch p := part.(type) {
				case messages.SystemPromptPart:
					out = append(out, llm.Message{Role: "system", Content: p.Content})
				case messages.UserPromptPart:
					out = append(out, llm.Message{Role: "user", Content: contentText(p.Content)})
				case messages.ToolReturnPart:
					out = append(out, llm.Message{Role: "tool", Content: p.ContentString(), ToolCallID: p.ToolCallID})
				case messages.RetryPromptPart:
					if p.ToolName != "" {
						out = append(out, llm.Message{Role: "tool", Content: p.ModelResponse(), ToolCallID: p.ToolCallID})
					} else {
						out = append(out, llm.Message{Role: "user", Content: p.ModelResponse()})
					}
				}
			}

		case *messages.ModelResponse:
			am := llm.Message{Role: "assistant", Content: m.Text()}
			for _, call := range m.ToolCalls() {
				am.ToolCalls = append(am.ToolCalls, llm.ToolCall{
					ID:       call.ToolCallID,
					Function: llm.FunctionCall{Name: call.ToolName, Arguments: call.ArgsJSON()},
				})
			}
			if am.Content != "" || len(am.ToolCalls) > 0 {
				out = append(out, am)
			}
		}
	}

	if instructions != "" {
		out = append([]llm.Message{{Role: "system", Content: instructions}}, out...)
	}
	return out
}

func contentText(c any) string {
	switch v := c.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// fromLLMResponse converts a provider response into a model response.
func fromLLMResponse(resp *llm.ChatResponse) *messages.ModelResponse {
	mr := &messages.ModelResponse{
		ModelName:          resp.Model,
		Timestamp:          resp.CreatedAt,
		ProviderName:       resp.Provider,
		ProviderResponseID: resp.ResponseID,
		FinishReason:       finishReason(resp),
		Usage: messages.Usage{
			InputTokens:      resp.InputTokens,
			OutputTokens:     resp.OutputTokens,
			CacheReadTokens:  resp.CacheReadTokens,
			CacheWriteTokens: resp.CacheWriteTokens,
		},
	}
	if resp.FinishReason != "" {
		mr.ProviderDetails = map[string]any{"finish_reason": resp.FinishReason}
	}
	if resp.Message.Content != "" {
		mr.Parts = append(mr.Parts, messages.TextPart{Content: resp.Message.Content})
	}
	for _, tc := range resp.Message.ToolCalls {
		mr.Parts = append(mr.Parts, messages.ToolCallPart{
			ToolName:   tc.Function.Name,
			Args:       tc.Function.Arguments,
			ToolCallID: tc.ID,
		})
	}
	return mr
}

// finishReason normalizes provider stop reasons.
func finishReason(resp *llm.ChatResponse) string {
	switch resp.FinishReason {
	case "tool_calls", "tool_use":
		return "tool_call"
	case "stop", "end_turn", "stop_sequence":
		return "stop"
	case "length", "max_tokens":
		return "length"
	case "content_filter", "refusal":
		return "content_filter"
	case "":
		if len(resp.Message.ToolCalls) > 0 {
			return "tool_call"
		}
		return "stop"
	default:
		return resp.FinishReason
	}
}
