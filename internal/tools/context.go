package tools

import (
	"context"
	"sync/atomic"
)

type contextKey string

const (
	conversationIDKey contextKey = "conversation_id"
	toolCallIDKey     contextKey = "tool_call_id"
	depsKey           contextKey = "deps"
	exitSignalKey     contextKey = "exit_signal"
)

// WithConversationID adds the conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation ID from the context.
// Returns "default" if not set.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// WithToolCallID adds the ID of the tool call being executed.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, id)
}

// ToolCallIDFromContext returns the current tool call ID, or "".
func ToolCallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(toolCallIDKey).(string)
	return id
}

// WithDeps attaches per-run dependencies for tools to read.
func WithDeps(ctx context.Context, deps any) context.Context {
	if deps == nil {
		return ctx
	}
	return context.WithValue(ctx, depsKey, deps)
}

// DepsFromContext returns the run's dependencies if they are of type T.
func DepsFromContext[T any](ctx context.Context) (T, bool) {
	deps, ok := ctx.Value(depsKey).(T)
	return deps, ok
}

// ExitSignal lets a tool end the current run after the step it runs in.
// The first request wins; later ones are ignored.
type ExitSignal struct {
	req atomic.Pointer[exitRequest]
}

type exitRequest struct {
	output any
}

// NewExitSignal returns an unset signal.
func NewExitSignal() *ExitSignal {
	return &ExitSignal{}
}

// Request sets the signal with the run's final output. Reports whether
// this call was the one that set it.
func (s *ExitSignal) Request(output any) bool {
	return s.req.CompareAndSwap(nil, &exitRequest{output: output})
}

// Requested reports whether the signal is set and, if so, the output
// handed to Request.
func (s *ExitSignal) Requested() (any, bool) {
	r := s.req.Load()
	if r == nil {
		return nil, false
	}
	return r.output, true
}

// WithExitSignal attaches an exit signal for tools to set.
func WithExitSignal(ctx context.Context, s *ExitSignal) context.Context {
	return context.WithValue(ctx, exitSignalKey, s)
}

// ExitSignalFromContext returns the run's exit signal, or nil.
func ExitSignalFromContext(ctx context.Context) *ExitSignal {
	s, _ := ctx.Value(exitSignalKey).(*ExitSignal)
	return s
}

// RequestExit asks the run to stop after the current step with output as
// its result. Returns false when the run has no exit signal installed or
// another tool already requested exit.
func RequestExit(ctx context.Context, output any) bool {
	s := ExitSignalFromContext(ctx)
	if s == nil {
		return false
	}
	return s.Request(output)
}
