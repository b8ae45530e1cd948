package agui

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ContentTypeSSE is the media type of an encoded event stream.
const ContentTypeSSE = "text/event-stream"

// Encoder frames events as server-sent events. Only the SSE framing is
// produced, whatever the client's Accept header asks for.
type Encoder struct{}

// NewEncoder returns an SSE encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// ContentType is the Content-Type to send with the stream.
func (e *Encoder) ContentType() string {
	return ContentTypeSSE
}

// Encode returns one "data: <json>\n\n" frame.
func (e *Encoder) Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + 8)
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
