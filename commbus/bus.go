package commbus

import (
	"context"
	"sort"
	"sync"
	"time"
)

// subscription is one registered event handler.
type subscription struct {
	id      uint64
	handler HandlerFunc
}

// InMemoryCommBus is an in-memory implementation of CommBus.
//
// Thread-safe message bus for single-process deployments.
//
// Features:
//   - Event fan-out to multiple subscribers
//   - Query request-response with timeout
//   - Commands with a single handler
//   - Middleware chain for cross-cutting concerns
//
// Usage:
//
//	bus := NewInMemoryCommBus(5*time.Second, WithBusLogger(logger))
//	bus.Subscribe("ChannelOutput", writer)
//	bus.Publish(ctx, &ChannelOutput{...})
type InMemoryCommBus struct {
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   []Middleware
	queryTimeout time.Duration
	logger       Logger
	nextID       uint64
	mu           sync.RWMutex
}

// BusOption configures an InMemoryCommBus.
type BusOption func(*InMemoryCommBus)

// WithBusLogger sets the bus logger.
func WithBusLogger(logger Logger) BusOption {
	return func(b *InMemoryCommBus) { b.logger = logger }
}

// NewInMemoryCommBus creates a new InMemoryCommBus.
func NewInMemoryCommBus(queryTimeout time.Duration, opts ...BusOption) *InMemoryCommBus {
	b := &InMemoryCommBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		middleware:   make([]Middleware, 0),
		queryTimeout: queryTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish publishes an event to all subscribers and waits for them.
// Subscribers run concurrently; a failing subscriber does not stop the others.
// Returns a *SubscriberError when any subscriber failed.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processed, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[eventType]))
	copy(subs, b.subscribers[eventType])
	b.mu.RUnlock()

	if len(subs) == 0 {
		if b.logger != nil {
			b.logger.Debug("bus_no_subscribers", "event", eventType)
		}
		_, _ = b.runMiddlewareAfter(ctx, event, nil, nil)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			if _, err := h(ctx, processed); err != nil {
				errs[idx] = err
			}
		}(i, sub.handler)
	}
	wg.Wait()

	var pubErr *SubscriberError
	for _, e := range errs {
		if e == nil {
			continue
		}
		if pubErr == nil {
			pubErr = &SubscriberError{EventType: eventType, Cause: e}
		}
		pubErr.Failed++
	}

	if pubErr != nil {
		if b.logger != nil {
			b.logger.Warn("bus_subscriber_failed",
				"event", eventType,
				"failed", pubErr.Failed,
				"error", pubErr.Cause.Error(),
			)
		}
		_, _ = b.runMiddlewareAfter(ctx, event, nil, pubErr)
		return pubErr
	}
	_, _ = b.runMiddlewareAfter(ctx, event, nil, nil)
	return nil
}

// Send sends a command to its handler and returns the handler error.
// A command with no handler is dropped.
func (b *InMemoryCommBus) Send(ctx context.Context, command Message) error {
	messageType := GetMessageType(command)

	processed, err := b.runMiddlewareBefore(ctx, command)
	if err != nil {
		return err
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		if b.logger != nil {
			b.logger.Warn("bus_no_handler", "command", messageType)
		}
		return nil
	}

	_, handlerErr := handler(ctx, processed)
	_, _ = b.runMiddlewareAfter(ctx, command, nil, handlerErr)
	return handlerErr
}

// QuerySync sends a query and waits for the response.
// Queries have a timeout and require a registered handler.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, err := b.runMiddlewareBefore(ctx, query)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		return nil, &NoHandlerError{MessageType: messageType}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		v, e := handler(timeoutCtx, processed)
		resultCh <- result{value: v, err: e}
	}()

	select {
	case <-timeoutCtx.Done():
		err := &QueryTimeoutError{MessageType: messageType, Timeout: b.queryTimeout.Seconds()}
		_, _ = b.runMiddlewareAfter(ctx, query, nil, err)
		return nil, err
	case res := <-resultCh:
		final, mwErr := b.runMiddlewareAfter(ctx, query, res.value, res.err)
		if mwErr != nil {
			return final, mwErr
		}
		return final, res.err
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe subscribes to an event type.
// Returns an unsubscribe function; calling it more than once is a no-op.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// RegisterHandler registers a handler for a message type.
// Only one handler per message type is allowed.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return &HandlerAlreadyRegisteredError{MessageType: messageType}
	}
	b.handlers[messageType] = handler
	return nil
}

// AddMiddleware adds middleware to the bus.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// HasHandler checks if a handler is registered for a message type.
func (b *InMemoryCommBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.handlers[messageType]
	return exists
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *InMemoryCommBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// RegisteredTypes returns all message types with handlers or subscribers, sorted.
func (b *InMemoryCommBus) RegisteredTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make(map[string]struct{})
	for t := range b.handlers {
		types[t] = struct{}{}
	}
	for t, subs := range b.subscribers {
		if len(subs) > 0 {
			types[t] = struct{}{}
		}
	}
	result := make([]string, 0, len(types))
	for t := range types {
		result = append(result, t)
	}
	sort.Strings(result)
	return result
}

// Clear removes all handlers, subscribers, and middleware.
func (b *InMemoryCommBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[string]HandlerFunc)
	b.subscribers = make(map[string][]subscription)
	b.middleware = make([]Middleware, 0)
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryCommBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]Middleware, len(b.middleware))
	copy(result, b.middleware)
	return result
}

// runMiddlewareBefore runs the before chain in registration order.
func (b *InMemoryCommBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.middlewareSnapshot() {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result != nil {
			current = result
		}
	}
	return current, nil
}

// runMiddlewareAfter runs the after chain in reverse order.
func (b *InMemoryCommBus) runMiddlewareAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	mws := b.middlewareSnapshot()
	current := result
	for i := len(mws) - 1; i >= 0; i-- {
		afterResult, afterErr := mws[i].After(ctx, message, current, err)
		if afterErr != nil {
			err = afterErr
		}
		if afterResult != nil {
			current = afterResult
		}
	}
	return current, err
}

// Ensure InMemoryCommBus implements CommBus interface.
var _ CommBus = (*InMemoryCommBus)(nil)
