package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// TestModel is the model name routed to TestClient.
const TestModel = "test"

// TestClient is an offline model for demos and end-to-end tests. On a
// fresh user turn it calls every offered tool once with arguments built
// from each tool's schema; once the results are in, it answers with a
// JSON object mapping tool names to what they returned.
type TestClient struct {
	calls atomic.Int64
}

// NewTestClient returns a TestClient.
func NewTestClient() *TestClient {
	return &TestClient{}
}

// Chat implements Client.
func (c *TestClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream implements Client. Text is streamed word by word.
func (c *TestClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp := &ChatResponse{
		Model:      model,
		Provider:   "test",
		ResponseID: fmt.Sprintf("test-%d", c.calls.Add(1)),
		CreatedAt:  time.Now().UTC(),
		Done:       true,
		Message:    Message{Role: "assistant"},
	}

	results := toolResultsSinceUser(messages)
	switch {
	case results == nil && len(tools) > 0:
		for i, tool := range tools {
			name, _, params, ok := toolFunction(tool)
			if !ok {
				continue
			}
			args, _ := json.Marshal(exampleArgs(params))
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
				ID:       fmt.Sprintf("test_call_%d_%d", c.calls.Load(), i),
				Function: FunctionCall{Name: name, Arguments: string(args)},
			})
		}
		resp.FinishReason = "tool_calls"
	case len(results) > 0:
		summary, err := json.Marshal(results)
		if err != nil {
			return nil, fmt.Errorf("test summary: %w", err)
		}
		resp.Message.Content = string(summary)
		resp.FinishReason = "stop"
	default:
		resp.Message.Content = "success (no tool calls)"
		resp.FinishReason = "stop"
	}

	for _, word := range strings.SplitAfter(resp.Message.Content, " ") {
		if word != "" {
			callback.emit(StreamEvent{Kind: KindToken, Token: word})
		}
	}
	resp.InputTokens = countWords(messages)
	resp.OutputTokens = len(strings.Fields(resp.Message.Content)) + len(resp.Message.ToolCalls)
	callback.finish(resp)
	return resp, nil
}

// Ping implements Client.
func (c *TestClient) Ping(context.Context) error { return nil }

// toolResultsSinceUser collects tool results after the last user message,
// keyed by tool name. Returns nil when there are none.
func toolResultsSinceUser(messages []Message) map[string]any {
	names := make(map[string]string)
	var results map[string]any
	for _, m := range messages {
		switch m.Role {
		case "user":
			results = nil
		case "assistant":
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Function.Name
			}
		case "tool":
			if results == nil {
				results = make(map[string]any)
			}
			var v any
			if err := json.Unmarshal([]byte(m.Content), &v); err != nil {
				v = m.Content
			}
			results[names[m.ToolCallID]] = v
		}
	}
	return results
}

// exampleArgs builds an argument object satisfying a JSON schema's
// declared properties with zero-ish values.
func exampleArgs(schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make(map[string]any, len(props))
	for _, k := range keys {
		prop, _ := props[k].(map[string]any)
		args[k] = exampleValue(prop)
	}
	return args
}

func exampleValue(prop map[string]any) any {
	if enum, ok := prop["enum"].([]any); ok && len(enum) > 0 {
		return enum[0]
	}
	typ, _ := prop["type"].(string)
	if typ == "" {
		// jsonschema may list several types, e.g. ["null", "string"].
		if types, ok := prop["type"].([]any); ok {
			for _, t := range types {
				if s, _ := t.(string); s != "null" {
					typ = s
					break
				}
			}
		}
	}
	switch typ {
	case "string":
		return "a"
	case "integer", "number":
		return 0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return exampleArgs(prop)
	default:
		return nil
	}
}

func countWords(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}
