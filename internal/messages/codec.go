package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Marshal encodes a history as a JSON array.
func Marshal(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(msgs)
}

// Unmarshal decodes a JSON array of messages.
func Unmarshal(data []byte) ([]Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("message list is not valid JSON")
	}
	list := gjson.ParseBytes(data)
	if !list.IsArray() {
		return nil, fmt.Errorf("message list must be a JSON array, got %s", list.Type)
	}

	var (
		msgs []Message
		err  error
	)
	list.ForEach(func(_, item gjson.Result) bool {
		var m Message
		m, err = unmarshalMessage([]byte(item.Raw))
		if err != nil {
			err = fmt.Errorf("message %d: %w", len(msgs), err)
			return false
		}
		msgs = append(msgs, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// UnmarshalLenient decodes JSON into v, repairing syntax errors such as
// trailing commas or single quotes first. Models produce these in tool
// arguments often enough to matter.
func UnmarshalLenient(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return err
	}
	fixed, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr != nil {
		return err
	}
	return json.Unmarshal([]byte(fixed), v)
}

func unmarshalMessage(raw []byte) (Message, error) {
	switch kind := gjson.GetBytes(raw, "kind").String(); kind {
	case KindRequest:
		m := &ModelRequest{}
		if err := m.UnmarshalJSON(raw); err != nil {
			return nil, err
		}
		return m, nil
	case KindResponse:
		m := &ModelResponse{}
		if err := m.UnmarshalJSON(raw); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown message kind %q", kind)
	}
}

type requestWire struct {
	Parts        []json.RawMessage `json:"parts"`
	Instructions *string           `json:"instructions"`
	Kind         string            `json:"kind"`
}

// MarshalJSON implements json.Marshaler.
func (m ModelRequest) MarshalJSON() ([]byte, error) {
	parts, err := marshalParts(m.Parts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(requestWire{Parts: parts, Instructions: m.Instructions, Kind: KindRequest})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *ModelRequest) UnmarshalJSON(data []byte) error {
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parts, err := unmarshalParts(w.Parts)
	if err != nil {
		return err
	}
	m.Parts = parts
	m.Instructions = w.Instructions
	return nil
}

type responseWire struct {
	Parts              []json.RawMessage `json:"parts"`
	Usage              Usage             `json:"usage"`
	ModelName          string            `json:"model_name"`
	Timestamp          time.Time         `json:"timestamp"`
	Kind               string            `json:"kind"`
	ProviderName       string            `json:"provider_name"`
	ProviderDetails    map[string]any    `json:"provider_details"`
	ProviderResponseID string            `json:"provider_response_id"`
	FinishReason       string            `json:"finish_reason"`
}

// MarshalJSON implements json.Marshaler.
func (m ModelResponse) MarshalJSON() ([]byte, error) {
	parts, err := marshalParts(m.Parts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(responseWire{
		Parts:              parts,
		Usage:              m.Usage,
		ModelName:          m.ModelName,
		Timestamp:          m.Timestamp,
		Kind:               KindResponse,
		ProviderName:       m.ProviderName,
		ProviderDetails:    m.ProviderDetails,
		ProviderResponseID: m.ProviderResponseID,
		FinishReason:       m.FinishReason,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *ModelResponse) UnmarshalJSON(data []byte) error {
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parts, err := unmarshalParts(w.Parts)
	if err != nil {
		return err
	}
	*m = ModelResponse{
		Parts:              parts,
		Usage:              w.Usage,
		ModelName:          w.ModelName,
		Timestamp:          w.Timestamp,
		ProviderName:       w.ProviderName,
		ProviderDetails:    w.ProviderDetails,
		ProviderResponseID: w.ProviderResponseID,
		FinishReason:       w.FinishReason,
	}
	return nil
}

func marshalParts(parts []Part) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(parts))
	for _, p := range parts {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s part: %w", p.PartKind(), err)
		}
		data, err = sjson.SetBytes(data, "part_kind", p.PartKind())
		if err != nil {
			return nil, fmt.Errorf("tag %s part: %w", p.PartKind(), err)
		}
		out = append(out, data)
	}
	return out, nil
}

func unmarshalParts(raws []json.RawMessage) ([]Part, error) {
	parts := make([]Part, 0, len(raws))
	for i, raw := range raws {
		p, err := unmarshalPart(raw)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func unmarshalPart(raw []byte) (Part, error) {
	switch kind := gjson.GetBytes(raw, "part_kind").String(); kind {
	case PartSystemPrompt:
		var p SystemPromptPart
		err := json.Unmarshal(raw, &p)
		return p, err
	case PartUserPrompt:
		var p UserPromptPart
		err := json.Unmarshal(raw, &p)
		return p, err
	case PartToolReturn:
		var p ToolReturnPart
		err := json.Unmarshal(raw, &p)
		return p, err
	case PartRetryPrompt:
		var p RetryPromptPart
		err := json.Unmarshal(raw, &p)
		return p, err
	case PartText:
		var p TextPart
		err := json.Unmarshal(raw, &p)
		return p, err
	case PartToolCall:
		var p ToolCallPart
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown part kind %q", kind)
	}
}
