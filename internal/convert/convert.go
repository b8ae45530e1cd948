// Package convert translates between the stored model history and the
// message list a UI displays.
package convert

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/secretplan/internal/agui"
	"github.com/nugget/secretplan/internal/messages"
)

// ErrMultiModal is returned for user prompts whose content is not text.
var ErrMultiModal = agui.ErrMultiModal

// Options controls ToUI.
type Options struct {
	// Events adds a role "event" message for every STATE_SNAPSHOT and
	// CUSTOM entry in a tool return's metadata, placed before that tool's
	// message. Used for transcripts; rehydration leaves it off.
	Events bool
}

// ToUI converts model history into UI messages. Each output message gets
// a fresh id. System prompts and retry prompts not tied to a tool call
// are not shown.
func ToUI(msgs []messages.Message, opts Options) ([]agui.Message, error) {
	out := make([]agui.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch m := msg.(type) {
		case *messages.ModelRequest:
			converted, err := fromRequest(m, opts)
			if err != nil {
				return nil, err
			}
			out = append(out, converted...)
		case *messages.ModelResponse:
			out = append(out, fromResponse(m)...)
		}
	}
	return out, nil
}

func fromRequest(req *messages.ModelRequest, opts Options) ([]agui.Message, error) {
	var out []agui.Message
	for _, part := range req.Parts {
		switch p := part.(type) {
		case messages.UserPromptPart:
			if isEmptyContent(p.Content) {
				continue
			}
			text, ok := p.Content.(string)
			if !ok {
				return nil, ErrMultiModal
			}
			out = append(out, agui.Message{ID: newID(), Role: agui.RoleUser, Content: text})

		case messages.ToolReturnPart:
			if opts.Events {
				for _, ev := range agui.MetadataEvents(p.Metadata) {
					out = append(out, agui.Message{
						ID:         newID(),
						Role:       agui.RoleEvent,
						ToolCallID: p.ToolCallID,
						Event:      ev,
					})
				}
			}
			out = append(out, agui.Message{
				ID:         newID(),
				Role:       agui.RoleTool,
				Content:    p.ContentString(),
				ToolCallID: p.ToolCallID,
			})

		case messages.RetryPromptPart:
			// A rejected tool call still needs a matching tool message or
			// the assistant's call is left dangling in the transcript.
			if p.ToolName == "" {
				continue
			}
			out = append(out, agui.Message{
				ID:         newID(),
				Role:       agui.RoleTool,
				Content:    p.ModelResponse(),
				ToolCallID: p.ToolCallID,
				Error:      "retry",
			})
		}
	}
	return out, nil
}

func fromResponse(resp *messages.ModelResponse) []agui.Message {
	var (
		calls []agui.ToolCall
		text  string
	)
	for _, part := range resp.Parts {
		switch p := part.(type) {
		case messages.ToolCallPart:
			calls = append(calls, agui.NewToolCall(p.ToolCallID, p.ToolName, p.ArgsJSON()))
		case messages.TextPart:
			if p.Content != "" {
				text = p.Content
			}
		}
	}

	switch {
	case len(calls) > 0 && text != "":
		return []agui.Message{
			{ID: newID(), Role: agui.RoleAssistant, ToolCalls: calls},
			{ID: newID(), Role: agui.RoleAssistant, Content: text},
		}
	case len(calls) > 0:
		return []agui.Message{{ID: newID(), Role: agui.RoleAssistant, ToolCalls: calls}}
	case text != "":
		return []agui.Message{{ID: newID(), Role: agui.RoleAssistant, Content: text}}
	default:
		return nil
	}
}

// FromUI converts UI messages into model history. Consecutive user,
// system and tool messages share one request; consecutive assistant
// messages share one response. Tool messages take their tool name from
// the assistant call they answer.
func FromUI(msgs []agui.Message) ([]messages.Message, error) {
	var (
		out       []messages.Message
		request   []messages.Part
		response  []messages.Part
		toolNames = make(map[string]string)
		now       = time.Now().UTC()
	)

	flushRequest := func() {
		if len(request) > 0 {
			out = append(out, &messages.ModelRequest{Parts: request})
			request = nil
		}
	}
	flushResponse := func() {
		if len(response) > 0 {
			out = append(out, &messages.ModelResponse{Parts: response, Timestamp: now})
			response = nil
		}
	}

	for i, m := range msgs {
		switch m.Role {
		case agui.RoleUser:
			flushResponse()
			request = append(request, messages.UserPromptPart{Content: m.Content, Timestamp: now})

		case agui.RoleSystem, agui.RoleDeveloper:
			flushResponse()
			request = append(request, messages.SystemPromptPart{Content: m.Content, Timestamp: now})

		case agui.RoleTool:
			flushResponse()
			name, ok := toolNames[m.ToolCallID]
			if !ok {
				return nil, fmt.Errorf("message %d: tool result for unknown tool call %q", i, m.ToolCallID)
			}
			request = append(request, messages.ToolReturnPart{
				ToolName:   name,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Timestamp:  now,
			})

		case agui.RoleAssistant:
			flushRequest()
			if m.Content != "" {
				response = append(response, messages.TextPart{Content: m.Content})
			}
			for _, tc := range m.ToolCalls {
				toolNames[tc.ID] = tc.Function.Name
				response = append(response, messages.ToolCallPart{
					ToolName:   tc.Function.Name,
					Args:       tc.Function.Arguments,
					ToolCallID: tc.ID,
				})
			}

		case agui.RoleEvent:
			// Display-only; never part of model history.

		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
	}
	flushRequest()
	flushResponse()
	return out, nil
}

func isEmptyContent(c any) bool {
	switch v := c.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	}
	return false
}

func newID() string {
	return uuid.NewString()
}
