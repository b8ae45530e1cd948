package agent

import (
	"context"

	"github.com/nugget/secretplan/internal/messages"
)

// Event is something that happened during a run, reported to the run's
// EventHandler as it happens.
type Event interface {
	isEvent()
}

// TextDelta is a chunk of streamed model text.
type TextDelta struct {
	Delta string
}

// ModelResponseEvent fires once a model response is complete.
type ModelResponseEvent struct {
	Response *messages.ModelResponse
}

// ToolCallEvent fires before a tool runs.
type ToolCallEvent struct {
	Call messages.ToolCallPart
}

// ToolResultEvent fires after a tool ran. Result is a ToolReturnPart, or
// a RetryPromptPart when the call was rejected.
type ToolResultEvent struct {
	Call   messages.ToolCallPart
	Result messages.Part
}

func (TextDelta) isEvent()          {}
func (ModelResponseEvent) isEvent() {}
func (ToolCallEvent) isEvent()      {}
func (ToolResultEvent) isEvent()    {}

// EventHandler receives run events. It is called from the goroutine
// driving the run.
type EventHandler func(ctx context.Context, ev Event)

func (h EventHandler) handle(ctx context.Context, ev Event) {
	if h != nil {
		h(ctx, ev)
	}
}
