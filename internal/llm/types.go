// Package llm provides LLM client implementations.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned ID
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments as the raw JSON
// text the model produced. Providers that return decoded objects have
// them re-encoded at the boundary so malformed arguments survive until
// the tool rejects them.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries.
type ChatResponse struct {
	Model        string
	Provider     string
	ResponseID   string
	CreatedAt    time.Time
	Message      Message
	Done         bool
	FinishReason string

	// Token usage (provider-neutral)
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCallStart events.
	ToolCall *ToolCall

	// Response is set for KindDone events (final summary).
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires once per tool call the model makes,
	// after its arguments are complete.
	KindToolCallStart

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)

// emit calls cb if it is set.
func (cb StreamCallback) emit(ev StreamEvent) {
	if cb != nil {
		cb(ev)
	}
}

// finish reports tool calls and the final response to cb.
func (cb StreamCallback) finish(resp *ChatResponse) {
	if cb == nil {
		return
	}
	for i := range resp.Message.ToolCalls {
		tc := resp.Message.ToolCalls[i]
		cb(StreamEvent{Kind: KindToolCallStart, ToolCall: &tc})
	}
	cb(StreamEvent{Kind: KindDone, Response: resp})
}
