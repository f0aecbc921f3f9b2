// Package commbus provides the in-process communication bus that carries
// router outputs and session control messages between components.
//
// Protocol Categories:
//   - Message, Query: routable values with a category
//   - HandlerFunc, Middleware: processing and interception
//   - CommBus: publish, send and query
package commbus

import (
	"context"
)

// =============================================================================
// COMMBUS PROTOCOLS
// =============================================================================

// Message is the protocol for all commbus messages.
// All messages (events, queries, commands) must have a category.
type Message interface {
	// Category returns the message category: "event", "query", or "command".
	Category() string
}

// Query is the protocol for query messages that expect a response.
type Query interface {
	Message
	// IsQuery is a marker method to distinguish queries from other messages.
	IsQuery()
}

// HandlerFunc processes a message and returns a response for queries.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware can intercept messages before and after handling.
type Middleware interface {
	// Before is called before the message is handled.
	// Returns the message to continue with, or an error to abort.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called after the message is handled.
	// Returns the possibly modified result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the protocol for the communication bus.
//
// The CommBus provides three messaging patterns:
//   - Publish(event): fan-out to all subscribers
//   - Send(command): single handler
//   - QuerySync(query): request-response, returns result
type CommBus interface {
	Publish(ctx context.Context, event Message) error
	Send(ctx context.Context, command Message) error
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe subscribes to an event type. Returns an unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()

	// RegisterHandler registers the single handler for a message type.
	RegisterHandler(messageType string, handler HandlerFunc) error

	// AddMiddleware adds middleware, executed in registration order.
	AddMiddleware(middleware Middleware)

	HasHandler(messageType string) bool
	SubscriberCount(eventType string) int
	Clear()
}

// Logger is the structured logging capability used by the bus and its
// middleware. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
