// Package messages defines the model-side conversation history: requests
// sent to the model and responses received from it, each made of typed
// parts. The JSON form is the one stored in the conversation database,
// discriminated by "kind" on messages and "part_kind" on parts.
package messages

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
)

// Part kinds.
const (
	PartSystemPrompt = "system-prompt"
	PartUserPrompt   = "user-prompt"
	PartToolReturn   = "tool-return"
	PartRetryPrompt  = "retry-prompt"
	PartText         = "text"
	PartToolCall     = "tool-call"
)

// Message is either a *ModelRequest or a *ModelResponse.
type Message interface {
	MessageKind() string
}

// Part is one element of a message. Requests carry SystemPromptPart,
// UserPromptPart, ToolReturnPart and RetryPromptPart; responses carry
// TextPart and ToolCallPart.
type Part interface {
	PartKind() string
}

// ModelRequest is everything sent to the model in one turn.
type ModelRequest struct {
	Parts        []Part
	Instructions *string
}

// MessageKind implements Message.
func (*ModelRequest) MessageKind() string { return KindRequest }

// ModelResponse is one reply from the model.
type ModelResponse struct {
	Parts              []Part
	Usage              Usage
	ModelName          string
	Timestamp          time.Time
	ProviderName       string
	ProviderDetails    map[string]any
	ProviderResponseID string
	FinishReason       string
}

// MessageKind implements Message.
func (*ModelResponse) MessageKind() string { return KindResponse }

// Text returns the response's text parts joined together.
func (r *ModelResponse) Text() string {
	var sb strings.Builder
	for _, p := range r.Parts {
		if t, ok := p.(TextPart); ok {
			sb.WriteString(t.Content)
		}
	}
	return sb.String()
}

// ToolCalls returns the response's tool-call parts in order.
func (r *ModelResponse) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, p := range r.Parts {
		if c, ok := p.(ToolCallPart); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// Usage is the token accounting reported for a response.
type Usage struct {
	InputTokens          int            `json:"input_tokens"`
	CacheWriteTokens     int            `json:"cache_write_tokens"`
	CacheReadTokens      int            `json:"cache_read_tokens"`
	OutputTokens         int            `json:"output_tokens"`
	InputAudioTokens     int            `json:"input_audio_tokens"`
	CacheAudioReadTokens int            `json:"cache_audio_read_tokens"`
	OutputAudioTokens    int            `json:"output_audio_tokens"`
	Details              map[string]int `json:"details"`
}

// SystemPromptPart is a system instruction.
type SystemPromptPart struct {
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	DynamicRef *string   `json:"dynamic_ref,omitempty"`
}

// PartKind implements Part.
func (SystemPromptPart) PartKind() string { return PartSystemPrompt }

// UserPromptPart is user input. Content is a string, or a list of
// multi-modal items when decoded from storage.
type UserPromptPart struct {
	Content   any       `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PartKind implements Part.
func (UserPromptPart) PartKind() string { return PartUserPrompt }

// ToolReturnPart carries a tool's result back to the model. Content is
// the tool's return value; Metadata travels with the history but is not
// sent to the model.
type ToolReturnPart struct {
	ToolName   string    `json:"tool_name"`
	Content    any       `json:"content"`
	ToolCallID string    `json:"tool_call_id"`
	Metadata   any       `json:"metadata"`
	Timestamp  time.Time `json:"timestamp"`
}

// PartKind implements Part.
func (ToolReturnPart) PartKind() string { return PartToolReturn }

// ContentString renders Content for the model: strings as-is, anything
// else as JSON.
func (p ToolReturnPart) ContentString() string {
	return stringOrJSON(p.Content)
}

// RetryPromptPart asks the model to try again, either after a tool
// rejected its call (ToolName set) or after an unusable response.
type RetryPromptPart struct {
	Content    any       `json:"content"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// PartKind implements Part.
func (RetryPromptPart) PartKind() string { return PartRetryPrompt }

// ModelResponse renders the retry text shown to the model.
func (p RetryPromptPart) ModelResponse() string {
	var desc string
	switch c := p.Content.(type) {
	case string:
		desc = c
	case []any:
		desc = fmt.Sprintf("%d validation errors: %s", len(c), stringOrJSON(c))
	default:
		desc = stringOrJSON(c)
	}
	if p.ToolName == "" {
		return "Validation feedback:\n" + desc + "\n\nFix the errors and try again."
	}
	return desc + "\n\nFix the errors and try again."
}

// TextPart is plain model output.
type TextPart struct {
	Content string  `json:"content"`
	ID      *string `json:"id"`
}

// PartKind implements Part.
func (TextPart) PartKind() string { return PartText }

// ToolCallPart is a model request to run a tool. Args is either the raw
// JSON string the provider sent or an already decoded object.
type ToolCallPart struct {
	ToolName   string  `json:"tool_name"`
	Args       any     `json:"args"`
	ToolCallID string  `json:"tool_call_id"`
	ID         *string `json:"id"`
}

// PartKind implements Part.
func (ToolCallPart) PartKind() string { return PartToolCall }

// ArgsJSON returns the arguments as a JSON string.
func (p ToolCallPart) ArgsJSON() string {
	switch a := p.Args.(type) {
	case nil:
		return "{}"
	case string:
		return a
	default:
		return stringOrJSON(a)
	}
}

// ArgsMap returns the arguments as an object. Malformed JSON strings are
// repaired before decoding.
func (p ToolCallPart) ArgsMap() (map[string]any, error) {
	switch a := p.Args.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return a, nil
	case string:
		if strings.TrimSpace(a) == "" {
			return map[string]any{}, nil
		}
		var m map[string]any
		if err := UnmarshalLenient([]byte(a), &m); err != nil {
			return nil, fmt.Errorf("tool %s args: %w", p.ToolName, err)
		}
		if m == nil {
			m = map[string]any{}
		}
		return m, nil
	default:
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("tool %s args: %w", p.ToolName, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("tool %s args: %w", p.ToolName, err)
		}
		return m, nil
	}
}

// UserPrompt builds a request holding a single user prompt.
func UserPrompt(text string) *ModelRequest {
	return &ModelRequest{Parts: []Part{UserPromptPart{Content: text, Timestamp: time.Now().UTC()}}}
}

func stringOrJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
