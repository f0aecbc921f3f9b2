package commbus

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level and failures
// at warn level.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	if m.logger != nil {
		m.logger.Debug("bus_message",
			"category", message.Category(),
			"type", GetMessageType(message),
		)
	}
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if m.logger == nil {
		return result, nil
	}
	if err != nil {
		m.logger.Warn("bus_message_failed", "type", GetMessageType(message), "error", err.Error())
	} else {
		m.logger.Debug("bus_message_completed", "type", GetMessageType(message))
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreakerState is the breaker state of one message type.
type CircuitBreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string
}

// CircuitBreakerMiddleware implements the circuit breaker pattern per
// message type:
//   - Opening the circuit after N consecutive failures
//   - Rejecting messages with *CircuitOpenError while open
//   - Letting one message through once the reset timeout has elapsed
//   - Closing the circuit after a success
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTypes    map[string]struct{}
	states           map[string]*CircuitBreakerState
	now              func() time.Time
	logger           Logger
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a new CircuitBreakerMiddleware.
// A threshold of 0 never opens the circuit.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string, logger Logger) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{}, len(excludedTypes))
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}
	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTypes:    excluded,
		states:           make(map[string]*CircuitBreakerState),
		now:              time.Now,
		logger:           logger,
	}
}

func (m *CircuitBreakerMiddleware) getState(msgType string) *CircuitBreakerState {
	if _, exists := m.states[msgType]; !exists {
		m.states[msgType] = &CircuitBreakerState{State: CircuitClosed}
	}
	return m.states[msgType]
}

func (m *CircuitBreakerMiddleware) transition(msgType string, state *CircuitBreakerState, to string) {
	state.State = to
	if m.logger != nil {
		m.logger.Info("circuit_state_changed", "type", msgType, "state", to, "failures", state.Failures)
	}
}

// Before rejects messages while the circuit is open.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if state.State == CircuitOpen {
		if m.now().Sub(state.LastFailure) < m.resetTimeout {
			return nil, &CircuitOpenError{MessageType: msgType}
		}
		m.transition(msgType, state, CircuitHalfOpen)
	}
	return message, nil
}

// After updates the breaker from the handling result.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if err != nil {
		state.Failures++
		state.LastFailure = m.now()
		switch {
		case state.State == CircuitHalfOpen:
			m.transition(msgType, state, CircuitOpen)
		case m.failureThreshold > 0 && state.Failures >= m.failureThreshold && state.State != CircuitOpen:
			m.transition(msgType, state, CircuitOpen)
		}
		return result, nil
	}

	state.Failures = 0
	if state.State == CircuitHalfOpen {
		m.transition(msgType, state, CircuitClosed)
	}
	return result, nil
}

// GetStates returns current circuit states.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string, len(m.states))
	for k, v := range m.states {
		result[k] = v.State
	}
	return result
}

// Reset clears the state of one message type, or all when msgType is empty.
func (m *CircuitBreakerMiddleware) Reset(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msgType != "" {
		delete(m.states, msgType)
	} else {
		m.states = make(map[string]*CircuitBreakerState)
	}
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
