package agent

import (
	"errors"
	"fmt"
)

// ErrNoResult is returned when a run stops without producing output.
var ErrNoResult = errors.New("agent run ended without a result")

// UsageLimitExceeded is returned when a run would make more model
// requests than allowed.
type UsageLimitExceeded struct {
	Limit int
}

// Error implements the error interface.
func (e *UsageLimitExceeded) Error() string {
	return fmt.Sprintf("the next request would exceed the request limit of %d", e.Limit)
}

// ToolRetriesExceeded is returned when the model keeps making calls a
// tool rejects.
type ToolRetriesExceeded struct {
	ToolName   string
	MaxRetries int
	Last       string
}

// Error implements the error interface.
func (e *ToolRetriesExceeded) Error() string {
	return fmt.Sprintf("tool %q exceeded max retries count of %d: %s", e.ToolName, e.MaxRetries, e.Last)
}
