package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// NewFunc builds a tool whose parameters schema is derived from the
// argument type A. Fields tagged `jsonschema:"..."` get that text as
// their description. Arguments that do not fit A are rejected with a
// *RetryError before fn runs.
func NewFunc[A any](name, description string, fn func(ctx context.Context, args A) (any, error)) (*Tool, error) {
	schema, err := jsonschema.For[A](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", name, err)
	}
	params, err := schemaMap(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", name, err)
	}

	return &Tool{
		Name:        name,
		Description: description,
		Parameters:  params,
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			if err := resolved.Validate(raw); err != nil {
				return nil, Retry(err.Error())
			}
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("encode arguments: %w", err)
			}
			var args A
			if err := json.Unmarshal(data, &args); err != nil {
				return nil, Retry(fmt.Sprintf("invalid arguments: %v", err))
			}
			return fn(ctx, args)
		},
	}, nil
}

// MustNewFunc is NewFunc that panics on schema errors. For package-level
// tool definitions whose argument types are fixed at compile time.
func MustNewFunc[A any](name, description string, fn func(ctx context.Context, args A) (any, error)) *Tool {
	t, err := NewFunc(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func schemaMap(s *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
