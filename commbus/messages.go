package commbus

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents single handler, no response.
	MessageCategoryCommand MessageCategory = "command"
)

// =============================================================================
// ROUTER OUTPUT EVENTS
// =============================================================================

// ChannelOutput is emitted for every router output. Channel is one of
// "model", "tool", "memory", "result" or "raw-model-response"; Message is
// the wire shape of the output.
// Subscribers: JSONL writer, gRPC stream fan-out, tracing.
type ChannelOutput struct {
	TraceID string         `json:"traceId"`
	Channel string         `json:"channel"`
	Index   int            `json:"index"`
	Message map[string]any `json:"message"`
}

// Category implements the Message interface.
func (m *ChannelOutput) Category() string { return string(MessageCategoryEvent) }

// SessionFinished is emitted once per session, alongside its result output.
type SessionFinished struct {
	TraceID    string `json:"traceId"`
	Status     string `json:"status"`
	Completed  bool   `json:"completed"`
	Iterations int    `json:"iterations"`
}

// Category implements the Message interface.
func (m *SessionFinished) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// SESSION COMMANDS
// =============================================================================

// AbandonSession closes a live session on host request.
type AbandonSession struct {
	TraceID string `json:"traceId"`
}

// Category implements the Message interface.
func (m *AbandonSession) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// SESSION QUERIES
// =============================================================================

// GetActiveSessions returns the live traceIds as []string.
type GetActiveSessions struct{}

// Category implements the Message interface.
func (m *GetActiveSessions) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetActiveSessions) IsQuery() {}

// =============================================================================
// MESSAGE TYPE RESOLUTION
// =============================================================================

// TypedMessage lets a message provide its own routing key.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the routing key of a message.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *ChannelOutput:
		return "ChannelOutput"
	case *SessionFinished:
		return "SessionFinished"
	case *AbandonSession:
		return "AbandonSession"
	case *GetActiveSessions:
		return "GetActiveSessions"
	default:
		return "Unknown"
	}
}
