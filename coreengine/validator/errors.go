package validator

import (
	"fmt"
)

// ErrorKind classifies a validation failure.
type ErrorKind string

const (
	// KindMalformed means the raw output could not be parsed into an Action.
	KindMalformed ErrorKind = "malformed"
	// KindEmptyTool means a tool-call named no tool.
	KindEmptyTool ErrorKind = "empty_tool"
	// KindUnknownTool means a tool-call named a tool outside the allow-list.
	KindUnknownTool ErrorKind = "unknown_tool"
	// KindInvalidConfidence means confidence was not a finite number in [0,1]
	// while strict confidence checking was enabled.
	KindInvalidConfidence ErrorKind = "invalid_confidence"
)

// ValidationError is returned when raw model output is rejected.
type ValidationError struct {
	Kind    ErrorKind
	Field   string
	Tool    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed (%s) on %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed (%s): %s", e.Kind, e.Message)
}

// Feedback returns a short message suitable for re-prompting the model.
func (e *ValidationError) Feedback() string {
	switch e.Kind {
	case KindUnknownTool:
		return fmt.Sprintf("Tool %q is not available. Use one of the listed tools or give a final answer.", e.Tool)
	case KindEmptyTool:
		return "The tool call did not name a tool."
	case KindInvalidConfidence:
		return "Confidence must be a number between 0 and 1."
	default:
		return "The previous reply could not be understood: " + e.Message
	}
}

func malformed(field, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: KindMalformed, Field: field, Message: fmt.Sprintf(format, args...)}
}
