// Package events provides a publish/subscribe bus for run lifecycle
// events. The agent loop and the HTTP layer publish; the websocket feed,
// the telemetry exporter and the MQTT mirror subscribe. The bus is
// nil-safe: Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the agent run loop.
	SourceAgent = "agent"
	// SourceAPI identifies events from the HTTP handlers.
	SourceAPI = "api"
	// SourceStore identifies events from the conversation store.
	SourceStore = "store"
	// SourceConnwatch identifies events from service health watchers.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of an agent run.
	// Data: run_id, conversation_id, model.
	KindRunStart = "run_start"
	// KindModelRequest signals the start of a model call.
	// Data: run_id, step, model.
	KindModelRequest = "model_request"
	// KindModelResponse signals completion of a model call.
	// Data: run_id, step, model, tokens_in, tokens_out, tool_calls.
	KindModelResponse = "model_response"
	// KindToolCall signals the start of a tool execution.
	// Data: run_id, tool, tool_call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: run_id, tool, ok, retry, duration_ms.
	KindToolDone = "tool_done"
	// KindEarlyExit signals a step policy ended the run.
	// Data: run_id, policy, tool.
	KindEarlyExit = "early_exit"
	// KindRunComplete signals the end of an agent run.
	// Data: run_id, steps, requests, tokens_in, tokens_out, elapsed_ms.
	KindRunComplete = "run_complete"
	// KindRunError signals a run that ended with an error.
	// Data: run_id, error.
	KindRunError = "run_error"

	// KindChatRequest signals an incoming chat request.
	// Data: conversation_id, messages.
	KindChatRequest = "chat_request"
	// KindMessagesSaved signals a conversation row was written.
	// Data: conversation_id, messages.
	KindMessagesSaved = "messages_saved"

	// KindServiceUp signals a watched service became reachable.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a watched service stopped answering.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, dropping it for any
// subscriber whose buffer is full. A zero Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
