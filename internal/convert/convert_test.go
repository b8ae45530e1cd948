package convert

import (
	"errors"
	"os"
	"testing"

	"github.com/nugget/secretplan/internal/agui"
	"github.com/nugget/secretplan/internal/messages"
)

func loadHistory(t *testing.T) []messages.Message {
	t.Helper()
	data, err := os.ReadFile("testdata/secret_plan_history.json")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	msgs, err := messages.Unmarshal(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return msgs
}

func roles(msgs []agui.Message) []agui.Role {
	out := make([]agui.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func equalRoles(a, b []agui.Role) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestToUI_DisplayMode(t *testing.T) {
	got, err := ToUI(loadHistory(t), Options{Events: true})
	if err != nil {
		t.Fatalf("ToUI: %v", err)
	}

	want := []agui.Role{agui.RoleUser, agui.RoleAssistant, agui.RoleEvent, agui.RoleEvent, agui.RoleTool, agui.RoleAssistant}
	if !equalRoles(roles(got), want) {
		t.Fatalf("roles = %v, want %v", roles(got), want)
	}

	if got[0].Content != "pw=42" {
		t.Errorf("user content = %q", got[0].Content)
	}

	call := got[1]
	if call.Content != "" || len(call.ToolCalls) != 1 {
		t.Fatalf("assistant call message = %+v", call)
	}
	tc := call.ToolCalls[0]
	if tc.ID != "call_8vnYkl9oL2oW09LaWsgvQFoM" || tc.Type != "function" || tc.Function.Name != "secret_plan" || tc.Function.Arguments != `{"password":42}` {
		t.Errorf("tool call = %+v", tc)
	}

	snapshot := got[2]
	if snapshot.ToolCallID != tc.ID || snapshot.Event["type"] != "STATE_SNAPSHOT" {
		t.Errorf("state event = %+v", snapshot)
	}
	state, _ := snapshot.Event["snapshot"].(map[string]any)
	if state["does_the_user_know"] != true {
		t.Errorf("snapshot = %v", snapshot.Event["snapshot"])
	}

	custom := got[3]
	if custom.Event["type"] != "CUSTOM" || custom.Event["name"] != "secret_plan" {
		t.Errorf("custom event = %+v", custom)
	}
	steps, _ := custom.Event["value"].([]any)
	if len(steps) != 3 || steps[2] != "profit!" {
		t.Errorf("custom value = %v", custom.Event["value"])
	}

	tool := got[4]
	if tool.Content != "The secret plan is revealed." || tool.ToolCallID != tc.ID {
		t.Errorf("tool message = %+v", tool)
	}

	final := got[5]
	if final.Content != "The secret plan has been revealed! If you need any details or have further questions about it, feel free to ask." || len(final.ToolCalls) != 0 {
		t.Errorf("final message = %+v", final)
	}

	seen := map[string]bool{}
	for _, m := range got {
		if m.ID == "" || seen[m.ID] {
			t.Errorf("message id %q missing or duplicated", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestToUI_CompactMode(t *testing.T) {
	got, err := ToUI(loadHistory(t), Options{})
	if err != nil {
		t.Fatalf("ToUI: %v", err)
	}
	want := []agui.Role{agui.RoleUser, agui.RoleAssistant, agui.RoleTool, agui.RoleAssistant}
	if !equalRoles(roles(got), want) {
		t.Fatalf("roles = %v, want %v", roles(got), want)
	}
}

func TestToUI_ResponseSplitting(t *testing.T) {
	call := messages.ToolCallPart{ToolName: "password_guesser", Args: map[string]any{"guess": 3}, ToolCallID: "c1"}

	tests := []struct {
		name      string
		parts     []messages.Part
		wantCount int
		check     func(t *testing.T, got []agui.Message)
	}{
		{
			name:      "calls and text split, calls first",
			parts:     []messages.Part{messages.TextPart{Content: "let me guess"}, call},
			wantCount: 2,
			check: func(t *testing.T, got []agui.Message) {
				if len(got[0].ToolCalls) != 1 || got[0].Content != "" {
					t.Errorf("first = %+v", got[0])
				}
				if got[1].Content != "let me guess" || len(got[1].ToolCalls) != 0 {
					t.Errorf("second = %+v", got[1])
				}
			},
		},
		{
			name:      "calls only",
			parts:     []messages.Part{call},
			wantCount: 1,
			check: func(t *testing.T, got []agui.Message) {
				if got[0].ToolCalls[0].Function.Arguments != `{"guess":3}` {
					t.Errorf("object args should be JSON encoded, got %q", got[0].ToolCalls[0].Function.Arguments)
				}
			},
		},
		{
			name:      "last non-empty text wins",
			parts:     []messages.Part{messages.TextPart{Content: "first"}, messages.TextPart{Content: "second"}, messages.TextPart{}},
			wantCount: 1,
			check: func(t *testing.T, got []agui.Message) {
				if got[0].Content != "second" {
					t.Errorf("content = %q, want second", got[0].Content)
				}
			},
		},
		{
			name:      "empty response",
			parts:     []messages.Part{messages.TextPart{}},
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToUI([]messages.Message{&messages.ModelResponse{Parts: tt.parts}}, Options{})
			if err != nil {
				t.Fatalf("ToUI: %v", err)
			}
			if len(got) != tt.wantCount {
				t.Fatalf("got %d messages, want %d: %+v", len(got), tt.wantCount, got)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestToUI_RequestParts(t *testing.T) {
	req := &messages.ModelRequest{Parts: []messages.Part{
		messages.SystemPromptPart{Content: "Be Helpful"},
		messages.UserPromptPart{Content: ""},
		messages.ToolReturnPart{ToolName: "secret_plan", ToolCallID: "c1", Content: map[string]any{"steps": []string{"?"}}},
		messages.RetryPromptPart{ToolName: "password_guesser", ToolCallID: "c2", Content: "guess must be an integer"},
		messages.RetryPromptPart{Content: "plain text is not allowed"},
	}}

	got, err := ToUI([]messages.Message{req}, Options{Events: true})
	if err != nil {
		t.Fatalf("ToUI: %v", err)
	}
	want := []agui.Role{agui.RoleTool, agui.RoleTool}
	if !equalRoles(roles(got), want) {
		t.Fatalf("roles = %v, want %v", roles(got), want)
	}
	if got[0].Content != `{"steps":["?"]}` {
		t.Errorf("non-string tool content = %q", got[0].Content)
	}
	if got[1].ToolCallID != "c2" || got[1].Content != "guess must be an integer\n\nFix the errors and try again." {
		t.Errorf("retry message = %+v", got[1])
	}
}

func TestToUI_MultiModal(t *testing.T) {
	req := &messages.ModelRequest{Parts: []messages.Part{
		messages.UserPromptPart{Content: []any{map[string]any{"kind": "image-url", "url": "https://example.com/a.png"}}},
	}}
	_, err := ToUI([]messages.Message{req}, Options{})
	if !errors.Is(err, ErrMultiModal) {
		t.Errorf("ToUI error = %v, want ErrMultiModal", err)
	}
}

func TestFromUI(t *testing.T) {
	in := []agui.Message{
		{ID: "s", Role: agui.RoleSystem, Content: "Be Helpful"},
		{ID: "u", Role: agui.RoleUser, Content: "pw=4"},
		{ID: "a", Role: agui.RoleAssistant, ToolCalls: []agui.ToolCall{agui.NewToolCall("c1", "secret_plan", `{"password":4}`)}},
		{ID: "e", Role: agui.RoleEvent, ToolCallID: "c1", Event: map[string]any{"type": "CUSTOM"}},
		{ID: "t", Role: agui.RoleTool, ToolCallID: "c1", Content: `{"steps":["?"]}`},
		{ID: "u2", Role: agui.RoleUser, Content: "thanks"},
		{ID: "a2", Role: agui.RoleAssistant, Content: "you're welcome"},
	}

	got, err := FromUI(in)
	if err != nil {
		t.Fatalf("FromUI: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4", len(got))
	}

	first := got[0].(*messages.ModelRequest)
	if len(first.Parts) != 2 {
		t.Fatalf("first request parts = %d, want 2", len(first.Parts))
	}
	if _, ok := first.Parts[0].(messages.SystemPromptPart); !ok {
		t.Errorf("part 0 = %T", first.Parts[0])
	}

	calls := got[1].(*messages.ModelResponse).ToolCalls()
	if len(calls) != 1 || calls[0].ArgsJSON() != `{"password":4}` {
		t.Errorf("calls = %+v", calls)
	}

	followUp := got[2].(*messages.ModelRequest)
	ret, ok := followUp.Parts[0].(messages.ToolReturnPart)
	if !ok || ret.ToolName != "secret_plan" || ret.ToolCallID != "c1" {
		t.Errorf("tool return = %#v", followUp.Parts[0])
	}
	if len(followUp.Parts) != 2 {
		t.Errorf("tool return and next user prompt should share a request, got %d parts", len(followUp.Parts))
	}

	if text := got[3].(*messages.ModelResponse).Text(); text != "you're welcome" {
		t.Errorf("final text = %q", text)
	}
}

func TestFromUI_UnknownToolCall(t *testing.T) {
	_, err := FromUI([]agui.Message{{ID: "t", Role: agui.RoleTool, ToolCallID: "nope", Content: "x"}})
	if err == nil {
		t.Fatal("FromUI should reject tool results without a matching call")
	}
}

func TestRoundTrip_UIToModelToUI(t *testing.T) {
	in := []agui.Message{
		{ID: "u", Role: agui.RoleUser, Content: "guess 3"},
		{ID: "a", Role: agui.RoleAssistant, ToolCalls: []agui.ToolCall{agui.NewToolCall("c1", "password_guesser", `{"guess":3}`)}},
		{ID: "t", Role: agui.RoleTool, ToolCallID: "c1", Content: "higher"},
	}
	model, err := FromUI(in)
	if err != nil {
		t.Fatalf("FromUI: %v", err)
	}
	back, err := ToUI(model, Options{})
	if err != nil {
		t.Fatalf("ToUI: %v", err)
	}
	if !equalRoles(roles(back), roles(in)) {
		t.Fatalf("roles = %v, want %v", roles(back), roles(in))
	}
	if back[2].Content != "higher" || back[1].ToolCalls[0].Function.Arguments != `{"guess":3}` {
		t.Errorf("round trip = %+v", back)
	}
}
