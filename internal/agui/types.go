// Package agui implements the agent-to-UI protocol spoken with the
// browser: the message shapes a UI holds, the run input it posts, and
// the typed events streamed back over server-sent events.
package agui

import (
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Role identifies who authored a Message.
type Role string

// Message roles. RoleEvent is a display-only role for tool side events
// (state snapshots and custom events) rendered inline in a transcript.
const (
	RoleDeveloper Role = "developer"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleTool      Role = "tool"
	RoleEvent     Role = "event"
)

// ErrMultiModal is returned when a message carries non-text content.
var ErrMultiModal = errors.New("multi-modal content is not supported; message content must be a string")

// Message is one entry of a UI conversation.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Error      string     `json:"error,omitempty"`

	// Event is the payload of a RoleEvent message. It is encoded in
	// place of Content.
	Event map[string]any `json:"-"`
}

type messageAlias Message

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(messageAlias(m))
	if err != nil || m.Role != RoleEvent {
		return data, err
	}
	return sjson.SetBytes(data, "content", m.Event)
}

// UnmarshalJSON implements json.Unmarshaler. Object content is read as
// an event payload; array content (multi-modal input) is rejected.
func (m *Message) UnmarshalJSON(data []byte) error {
	content := gjson.GetBytes(data, "content")
	if content.IsArray() {
		return ErrMultiModal
	}

	var a messageAlias
	if !content.IsObject() {
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		*m = Message(a)
		return nil
	}

	stripped, err := sjson.DeleteBytes(data, "content")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(stripped, &a); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(content.Raw), &a.Event); err != nil {
		return err
	}
	*m = Message(a)
	return nil
}

// ToolCall is an assistant's request to run a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewToolCall builds a function tool call.
func NewToolCall(id, name, arguments string) ToolCall {
	return ToolCall{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: arguments}}
}

// Tool is a tool the UI offers to the agent.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// Context is a piece of UI-provided context.
type Context struct {
	Description string `json:"description"`
	Value       string `json:"value"`
}

// RunAgentInput is the body a UI posts to start a run.
type RunAgentInput struct {
	ThreadID       string          `json:"threadId"`
	RunID          string          `json:"runId"`
	ParentRunID    string          `json:"parentRunId,omitempty"`
	State          json.RawMessage `json:"state"`
	Messages       []Message       `json:"messages"`
	Tools          []Tool          `json:"tools"`
	Context        []Context       `json:"context"`
	ForwardedProps json.RawMessage `json:"forwardedProps"`
}
