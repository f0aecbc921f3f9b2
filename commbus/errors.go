package commbus

import (
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// NoHandlerError is returned when no handler is registered for a message type.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.MessageType)
}

// HandlerAlreadyRegisteredError is returned for a duplicate handler.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for %s", e.MessageType)
}

// QueryTimeoutError is returned when a query handler does not answer in time.
type QueryTimeoutError struct {
	MessageType string
	Timeout     float64
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %.2fs", e.MessageType, e.Timeout)
}

// CircuitOpenError is returned while the breaker for a message type is open.
type CircuitOpenError struct {
	MessageType string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.MessageType)
}

// SubscriberError wraps the first failing subscriber of a published event.
type SubscriberError struct {
	EventType string
	Failed    int
	Cause     error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("%d subscriber(s) failed for %s: %v", e.Failed, e.EventType, e.Cause)
}

func (e *SubscriberError) Unwrap() error {
	return e.Cause
}
