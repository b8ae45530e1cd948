// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool execution.
package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. The model is told so and may try a
// different tool; it is not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// RetryError asks the model to call the tool again. Message is sent back
// as a retry prompt bound to the failed call.
type RetryError struct {
	Message string
}

// Error implements the error interface.
func (e *RetryError) Error() string {
	return e.Message
}

// Retry returns a *RetryError carrying msg.
func Retry(msg string) error {
	return &RetryError{Message: msg}
}
