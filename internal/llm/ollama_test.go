package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantName  string // First tool name if wantCount > 0
	}{
		{name: "empty content", content: "", wantCount: 0},
		{name: "whitespace only", content: "   \n\t  ", wantCount: 0},
		{name: "plain text no JSON", content: "The plan is a secret.", wantCount: 0},
		{
			name:      "single tool call object",
			content:   `{"name": "secret_plan", "arguments": {"password": 4}}`,
			wantCount: 1,
			wantName:  "secret_plan",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "password_guesser", "arguments": {"guess": 1}}, {"name": "secret_plan", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "password_guesser",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "secret_plan", "arguments": {"password": 4}}</tool_call>`,
			wantCount: 1,
			wantName:  "secret_plan",
		},
		{
			name:      "tagged tool call without closing tag",
			content:   `<tool_call>{"name": "password_guesser", "arguments": {"guess": 2}}`,
			wantCount: 1,
			wantName:  "password_guesser",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me try. <tool_call>{"name": "password_guesser", "arguments": {"guess": 3}}</tool_call>`,
			wantCount: 1,
			wantName:  "password_guesser",
		},
		{name: "malformed JSON", content: `{"name": "secret_plan", "arguments": {`, wantCount: 0},
		{name: "object without name", content: `{"password": 4}`, wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content)
			if len(got) != tt.wantCount {
				t.Fatalf("got %d calls, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("name = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestConvertToOllama_ToolNames(t *testing.T) {
	msgs := convertToOllama([]Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Function: FunctionCall{Name: "secret_plan", Arguments: `{"password":4}`}}}},
		{Role: "tool", Content: "plan", ToolCallID: "c1"},
	})
	if got := msgs[0].ToolCalls[0].Function.Arguments["password"]; got != float64(4) {
		t.Errorf("arguments = %v", msgs[0].ToolCalls[0].Function.Arguments)
	}
	if msgs[1].ToolName != "secret_plan" {
		t.Errorf("ToolName = %q, want secret_plan", msgs[1].ToolName)
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	var gotReq ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)
		fmt.Fprint(w, `{
			"model": "qwen3:4b",
			"created_at": "2026-02-11T15:00:00.123456789Z",
			"message": {"role": "assistant", "content": "", "tool_calls": [{"function": {"name": "password_guesser", "arguments": {"guess": 3}}}]},
			"done": true,
			"done_reason": "stop",
			"prompt_eval_count": 42,
			"eval_count": 15,
			"eval_duration": 600000000
		}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), "qwen3:4b", []Message{{Role: "user", Content: "guess"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotReq.Stream {
		t.Error("Chat should not request streaming")
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 15 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.EvalDuration.Milliseconds() != 600 {
		t.Errorf("EvalDuration = %v", resp.EvalDuration)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.Message.ToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Function.Arguments != `{"guess":3}` || !strings.HasPrefix(tc.ID, "call_") {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestOllamaClient_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, chunk := range []string{
			`{"model":"m","message":{"role":"assistant","content":"The plan "},"done":false}`,
			`{"model":"m","message":{"role":"assistant","content":"is secret."},"done":false}`,
			`{"model":"m","message":{"role":"assistant","content":""},"done":true,"eval_count":4}`,
		} {
			fmt.Fprintln(w, chunk)
		}
	}))
	defer srv.Close()

	var (
		tokens []string
		done   bool
	)
	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.ChatStream(context.Background(), "m", []Message{{Role: "user", Content: "plan?"}}, nil, func(ev StreamEvent) {
		switch ev.Kind {
		case KindToken:
			tokens = append(tokens, ev.Token)
		case KindDone:
			done = true
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "The plan is secret." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if len(tokens) != 2 || !done {
		t.Errorf("tokens = %q, done = %v", tokens, done)
	}
	if resp.OutputTokens != 4 {
		t.Errorf("OutputTokens = %d", resp.OutputTokens)
	}
}

func TestOllamaClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	_, err := c.Chat(context.Background(), "missing", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("err = %v", err)
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping should fail on 404")
	}
}
