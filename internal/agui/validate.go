package agui

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ValidationError describes one problem with a run input, located by a
// path of field names and indexes.
type ValidationError struct {
	Type  string `json:"type"`
	Loc   []any  `json:"loc"`
	Msg   string `json:"msg"`
	Input any    `json:"input,omitempty"`
}

// ValidationErrors is the full list reported for a rejected input.
type ValidationErrors []ValidationError

// Error implements error.
func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		loc := make([]string, len(e.Loc))
		for i, l := range e.Loc {
			loc[i] = fmt.Sprint(l)
		}
		parts = append(parts, strings.Join(loc, ".")+": "+e.Msg)
	}
	return fmt.Sprintf("%d validation errors: %s", len(v), strings.Join(parts, "; "))
}

var validInputRoles = map[string]bool{
	string(RoleDeveloper): true,
	string(RoleSystem):    true,
	string(RoleAssistant): true,
	string(RoleUser):      true,
	string(RoleTool):      true,
}

// ParseRunInput validates and decodes a run input body. Every problem
// found is reported; the returned error is ValidationErrors when the
// body is structurally wrong.
func ParseRunInput(body []byte) (*RunAgentInput, error) {
	if !gjson.ValidBytes(body) {
		return nil, ValidationErrors{{Type: "json_invalid", Loc: []any{"body"}, Msg: "Invalid JSON"}}
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, ValidationErrors{{Type: "model_type", Loc: []any{"body"}, Msg: "Input should be an object"}}
	}

	var errs ValidationErrors
	requireString := func(field string) {
		v := doc.Get(field)
		switch {
		case !v.Exists():
			errs = append(errs, missing(field))
		case v.Type != gjson.String:
			errs = append(errs, ValidationError{Type: "string_type", Loc: []any{field}, Msg: "Input should be a valid string", Input: v.Value()})
		}
	}
	requireArray := func(field string) {
		v := doc.Get(field)
		switch {
		case !v.Exists():
			errs = append(errs, missing(field))
		case !v.IsArray():
			errs = append(errs, ValidationError{Type: "list_type", Loc: []any{field}, Msg: "Input should be a valid list", Input: v.Value()})
		}
	}

	requireString("threadId")
	requireString("runId")
	requireArray("messages")
	requireArray("tools")
	requireArray("context")
	for _, field := range []string{"state", "forwardedProps"} {
		if !doc.Get(field).Exists() {
			errs = append(errs, missing(field))
		}
	}

	doc.Get("messages").ForEach(func(idx, msg gjson.Result) bool {
		errs = append(errs, validateMessage(int(idx.Int()), msg)...)
		return true
	})

	if len(errs) > 0 {
		return nil, errs
	}

	var input RunAgentInput
	if err := json.Unmarshal(body, &input); err != nil {
		if errors.Is(err, ErrMultiModal) {
			return nil, ValidationErrors{{Type: "string_type", Loc: []any{"messages"}, Msg: err.Error()}}
		}
		return nil, ValidationErrors{{Type: "model_attributes_type", Loc: []any{"body"}, Msg: err.Error()}}
	}
	return &input, nil
}

func validateMessage(i int, msg gjson.Result) ValidationErrors {
	loc := func(field string) []any { return []any{"messages", i, field} }
	var errs ValidationErrors

	if !msg.IsObject() {
		return ValidationErrors{{Type: "model_type", Loc: []any{"messages", i}, Msg: "Input should be an object"}}
	}
	if id := msg.Get("id"); id.Type != gjson.String {
		errs = append(errs, ValidationError{Type: "missing", Loc: loc("id"), Msg: "Field required"})
	}

	role := msg.Get("role").String()
	if !validInputRoles[role] {
		errs = append(errs, ValidationError{
			Type:  "union_tag_invalid",
			Loc:   loc("role"),
			Msg:   "Input tag '" + role + "' found using 'role' does not match any of the expected tags: 'developer', 'system', 'assistant', 'user', 'tool'",
			Input: role,
		})
		return errs
	}

	content := msg.Get("content")
	switch {
	case content.Exists() && content.Type != gjson.String && content.Type != gjson.Null:
		errs = append(errs, ValidationError{Type: "string_type", Loc: loc("content"), Msg: "Input should be a valid string"})
	case role != string(RoleAssistant) && !content.Exists():
		errs = append(errs, ValidationError{Type: "missing", Loc: loc("content"), Msg: "Field required"})
	}
	if role == string(RoleTool) && msg.Get("toolCallId").Type != gjson.String {
		errs = append(errs, ValidationError{Type: "missing", Loc: loc("toolCallId"), Msg: "Field required"})
	}
	return errs
}

func missing(field string) ValidationError {
	return ValidationError{Type: "missing", Loc: []any{field}, Msg: "Field required"}
}
