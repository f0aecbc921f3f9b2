package commbus

import (
	"context"
	"errors"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// BusSink publishes router outputs on a bus as ChannelOutput events. The
// result channel additionally yields a SessionFinished event.
//
// Subscribers are observers: their failures are logged and never fail the
// send. Errors from the bus itself, such as an open circuit, are returned.
type BusSink struct {
	bus    CommBus
	logger Logger
}

// BusSinkOption configures a BusSink.
type BusSinkOption func(*BusSink)

// WithSinkLogger sets the logger for subscriber failures.
func WithSinkLogger(logger Logger) BusSinkOption {
	return func(s *BusSink) { s.logger = logger }
}

// NewBusSink creates a sink publishing to bus.
func NewBusSink(bus CommBus, opts ...BusSinkOption) *BusSink {
	s := &BusSink{bus: bus}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send implements kernel.OutputSink.
func (s *BusSink) Send(ctx context.Context, traceID string, out kernel.Outputs) error {
	ch, ok := out.Populated()
	if !ok {
		return errors.New("bus sink: no populated channel")
	}
	msg := out[ch].ToMap()
	if err := s.publish(ctx, traceID, &ChannelOutput{
		TraceID: traceID,
		Channel: ch.String(),
		Index:   int(ch),
		Message: msg,
	}); err != nil {
		return err
	}
	if ch != kernel.ChannelResult {
		return nil
	}

	finished := &SessionFinished{TraceID: traceID}
	if result, ok := typeutil.SafeMapStringAny(msg["agentResult"]); ok {
		finished.Status, _ = typeutil.SafeString(result["status"])
		finished.Completed, _ = typeutil.SafeBool(result["completed"])
		finished.Iterations, _ = typeutil.SafeInt(result["iterations"])
	}
	return s.publish(ctx, traceID, finished)
}

func (s *BusSink) publish(ctx context.Context, traceID string, event Message) error {
	err := s.bus.Publish(ctx, event)
	var subErr *SubscriberError
	if !errors.As(err, &subErr) {
		return err
	}
	if s.logger != nil {
		s.logger.Warn("bus_sink_observer_failed",
			"trace_id", traceID,
			"event", subErr.EventType,
			"failed", subErr.Failed,
			"error", subErr.Cause.Error(),
		)
	}
	return nil
}

// SessionController is the router surface reachable through the bus.
type SessionController interface {
	Abandon(ctx context.Context, traceID string) error
	Table() *kernel.ExecutionTable
}

// RegisterSessionHandlers wires AbandonSession and GetActiveSessions to
// controller.
func RegisterSessionHandlers(bus CommBus, controller SessionController) error {
	if err := bus.RegisterHandler("AbandonSession", func(ctx context.Context, msg Message) (any, error) {
		cmd, ok := msg.(*AbandonSession)
		if !ok {
			return nil, errors.New("AbandonSession: unexpected message type")
		}
		return nil, controller.Abandon(ctx, cmd.TraceID)
	}); err != nil {
		return err
	}
	return bus.RegisterHandler("GetActiveSessions", func(ctx context.Context, msg Message) (any, error) {
		return controller.Table().TraceIDs(), nil
	})
}

var _ kernel.OutputSink = (*BusSink)(nil)
