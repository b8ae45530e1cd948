// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/nugget/secretplan/internal/messages"
)

// Handler runs a tool. The returned value is sent back to the model; a
// Return (or *Return) additionally carries metadata that stays with the
// history but is not shown to the model.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Return is a tool result with attached metadata.
type Return struct {
	Value    any
	Metadata []any
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry, replacing any tool of the same
// name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	if r == nil {
		return nil
	}
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools for the LLM in function-calling format, sorted
// by name.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a tool by name with given arguments. Malformed argument
// JSON is repaired when possible; arguments that still cannot be decoded
// come back as a *RetryError so the model can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (Return, error) {
	tool := r.Get(name)
	if tool == nil {
		return Return{}, &ErrToolUnavailable{ToolName: name}
	}

	args, err := messages.ToolCallPart{ToolName: name, Args: argsJSON}.ArgsMap()
	if err != nil {
		return Return{}, Retry(fmt.Sprintf("invalid arguments: %v", err))
	}

	v, err := tool.Handler(ctx, args)
	if err != nil {
		return Return{}, err
	}
	switch ret := v.(type) {
	case Return:
		return ret, nil
	case *Return:
		if ret == nil {
			return Return{}, nil
		}
		return *ret, nil
	default:
		return Return{Value: v}, nil
	}
}
