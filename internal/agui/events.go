package agui

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// EventType names a protocol event.
type EventType string

// Event types.
const (
	EventRunStarted         EventType = "RUN_STARTED"
	EventRunFinished        EventType = "RUN_FINISHED"
	EventRunError           EventType = "RUN_ERROR"
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventToolCallStart      EventType = "TOOL_CALL_START"
	EventToolCallArgs       EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd        EventType = "TOOL_CALL_END"
	EventToolCallResult     EventType = "TOOL_CALL_RESULT"
	EventStateSnapshot      EventType = "STATE_SNAPSHOT"
	EventMessagesSnapshot   EventType = "MESSAGES_SNAPSHOT"
	EventCustom             EventType = "CUSTOM"
)

// Event is any protocol event.
type Event interface {
	EventType() EventType
}

// BaseEvent holds the fields every event carries.
type BaseEvent struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp,omitempty"`
	RawEvent  any       `json:"rawEvent,omitempty"`
}

// EventType implements Event.
func (e BaseEvent) EventType() EventType { return e.Type }

func base(t EventType) BaseEvent {
	return BaseEvent{Type: t, Timestamp: time.Now().UnixMilli()}
}

// RunStartedEvent opens a run.
type RunStartedEvent struct {
	BaseEvent
	ThreadID    string `json:"threadId"`
	RunID       string `json:"runId"`
	ParentRunID string `json:"parentRunId,omitempty"`
}

// NewRunStarted builds a RUN_STARTED event.
func NewRunStarted(threadID, runID string) RunStartedEvent {
	return RunStartedEvent{BaseEvent: base(EventRunStarted), ThreadID: threadID, RunID: runID}
}

// RunFinishedEvent closes a successful run.
type RunFinishedEvent struct {
	BaseEvent
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
	Result   any    `json:"result,omitempty"`
}

// NewRunFinished builds a RUN_FINISHED event.
func NewRunFinished(threadID, runID string, result any) RunFinishedEvent {
	return RunFinishedEvent{BaseEvent: base(EventRunFinished), ThreadID: threadID, RunID: runID, Result: result}
}

// RunErrorEvent closes a failed run.
type RunErrorEvent struct {
	BaseEvent
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewRunError builds a RUN_ERROR event.
func NewRunError(message, code string) RunErrorEvent {
	return RunErrorEvent{BaseEvent: base(EventRunError), Message: message, Code: code}
}

// TextMessageStartEvent opens a streamed assistant message.
type TextMessageStartEvent struct {
	BaseEvent
	MessageID string `json:"messageId"`
	Role      Role   `json:"role"`
}

// NewTextMessageStart builds a TEXT_MESSAGE_START event.
func NewTextMessageStart(messageID string) TextMessageStartEvent {
	return TextMessageStartEvent{BaseEvent: base(EventTextMessageStart), MessageID: messageID, Role: RoleAssistant}
}

// TextMessageContentEvent carries one non-empty text delta.
type TextMessageContentEvent struct {
	BaseEvent
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// NewTextMessageContent builds a TEXT_MESSAGE_CONTENT event.
func NewTextMessageContent(messageID, delta string) TextMessageContentEvent {
	return TextMessageContentEvent{BaseEvent: base(EventTextMessageContent), MessageID: messageID, Delta: delta}
}

// TextMessageEndEvent closes a streamed assistant message.
type TextMessageEndEvent struct {
	BaseEvent
	MessageID string `json:"messageId"`
}

// NewTextMessageEnd builds a TEXT_MESSAGE_END event.
func NewTextMessageEnd(messageID string) TextMessageEndEvent {
	return TextMessageEndEvent{BaseEvent: base(EventTextMessageEnd), MessageID: messageID}
}

// ToolCallStartEvent announces a tool call.
type ToolCallStartEvent struct {
	BaseEvent
	ToolCallID      string `json:"toolCallId"`
	ToolCallName    string `json:"toolCallName"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

// NewToolCallStart builds a TOOL_CALL_START event.
func NewToolCallStart(toolCallID, name, parentMessageID string) ToolCallStartEvent {
	return ToolCallStartEvent{BaseEvent: base(EventToolCallStart), ToolCallID: toolCallID, ToolCallName: name, ParentMessageID: parentMessageID}
}

// ToolCallArgsEvent carries a chunk of a tool call's JSON arguments.
type ToolCallArgsEvent struct {
	BaseEvent
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
}

// NewToolCallArgs builds a TOOL_CALL_ARGS event.
func NewToolCallArgs(toolCallID, delta string) ToolCallArgsEvent {
	return ToolCallArgsEvent{BaseEvent: base(EventToolCallArgs), ToolCallID: toolCallID, Delta: delta}
}

// ToolCallEndEvent closes a tool call announcement.
type ToolCallEndEvent struct {
	BaseEvent
	ToolCallID string `json:"toolCallId"`
}

// NewToolCallEnd builds a TOOL_CALL_END event.
func NewToolCallEnd(toolCallID string) ToolCallEndEvent {
	return ToolCallEndEvent{BaseEvent: base(EventToolCallEnd), ToolCallID: toolCallID}
}

// ToolCallResultEvent carries a tool's result.
type ToolCallResultEvent struct {
	BaseEvent
	MessageID  string `json:"messageId"`
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	Role       Role   `json:"role,omitempty"`
}

// NewToolCallResult builds a TOOL_CALL_RESULT event.
func NewToolCallResult(messageID, toolCallID, content string) ToolCallResultEvent {
	return ToolCallResultEvent{BaseEvent: base(EventToolCallResult), MessageID: messageID, ToolCallID: toolCallID, Content: content, Role: RoleTool}
}

// StateSnapshotEvent replaces the UI's shared state.
type StateSnapshotEvent struct {
	BaseEvent
	Snapshot any `json:"snapshot"`
}

// NewStateSnapshot builds a STATE_SNAPSHOT event.
func NewStateSnapshot(snapshot any) StateSnapshotEvent {
	return StateSnapshotEvent{BaseEvent: BaseEvent{Type: EventStateSnapshot}, Snapshot: snapshot}
}

// MessagesSnapshotEvent replaces the UI's message list.
type MessagesSnapshotEvent struct {
	BaseEvent
	Messages []Message `json:"messages"`
}

// NewMessagesSnapshot builds a MESSAGES_SNAPSHOT event.
func NewMessagesSnapshot(msgs []Message) MessagesSnapshotEvent {
	if msgs == nil {
		msgs = []Message{}
	}
	return MessagesSnapshotEvent{BaseEvent: base(EventMessagesSnapshot), Messages: msgs}
}

// CustomEvent is an application-defined event.
type CustomEvent struct {
	BaseEvent
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// NewCustom builds a CUSTOM event.
func NewCustom(name string, value any) CustomEvent {
	return CustomEvent{BaseEvent: BaseEvent{Type: EventCustom}, Name: name, Value: value}
}

// RawEvent is an event held as a generic JSON object, such as one taken
// from a tool return's metadata.
type RawEvent map[string]any

// EventType implements Event.
func (e RawEvent) EventType() EventType {
	t, _ := e["type"].(string)
	return EventType(t)
}

// DecodeEvent decodes one JSON event, dispatching on its "type".
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	switch t := EventType(gjson.GetBytes(data, "type").String()); t {
	case EventRunStarted:
		ev = &RunStartedEvent{}
	case EventRunFinished:
		ev = &RunFinishedEvent{}
	case EventRunError:
		ev = &RunErrorEvent{}
	case EventTextMessageStart:
		ev = &TextMessageStartEvent{}
	case EventTextMessageContent:
		ev = &TextMessageContentEvent{}
	case EventTextMessageEnd:
		ev = &TextMessageEndEvent{}
	case EventToolCallStart:
		ev = &ToolCallStartEvent{}
	case EventToolCallArgs:
		ev = &ToolCallArgsEvent{}
	case EventToolCallEnd:
		ev = &ToolCallEndEvent{}
	case EventToolCallResult:
		ev = &ToolCallResultEvent{}
	case EventStateSnapshot:
		ev = &StateSnapshotEvent{}
	case EventMessagesSnapshot:
		ev = &MessagesSnapshotEvent{}
	case EventCustom:
		ev = &CustomEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ev.EventType(), err)
	}
	return ev, nil
}

// MetadataEvents returns the STATE_SNAPSHOT and CUSTOM events found in a
// tool return's metadata, as generic JSON objects. Metadata may hold
// in-process Event values or objects decoded from storage; anything else
// is skipped.
func MetadataEvents(metadata any) []map[string]any {
	if metadata == nil {
		return nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}

	var out []map[string]any
	for _, item := range items {
		switch EventType(gjson.GetBytes(item, "type").String()) {
		case EventStateSnapshot, EventCustom:
		default:
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(item, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
