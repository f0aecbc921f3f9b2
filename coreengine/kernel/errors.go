package kernel

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrCorrelationMiss reports a traceId with no live record. The router logs
// and drops such messages; it is returned only by Abandon.
var ErrCorrelationMiss = errors.New("no active execution for traceId")

// ErrSessionExists is returned by ExecutionTable.Insert for a duplicate traceId.
var ErrSessionExists = errors.New("active execution already exists")

// ExecutionError is an unexpected failure while running the loop or
// dispatching its outputs. The session is closed when it is returned.
type ExecutionError struct {
	TraceID string
	Op      string
	Cause   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error in %s for %s: %v", e.Op, e.TraceID, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// UpstreamError is a failure reported in-band by a collaborator.
type UpstreamError struct {
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Code == "" {
		return "upstream error: " + e.Message
	}
	return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
}

// ToMap converts to the {error: {code, message}} payload shape.
func (e *UpstreamError) ToMap() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    e.Code,
			"message": e.Message,
		},
	}
}
