package commbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
)

type collector struct {
	mu       sync.Mutex
	outputs  []*ChannelOutput
	finished []*SessionFinished
}

func (c *collector) subscribe(bus CommBus) {
	bus.Subscribe("ChannelOutput", func(ctx context.Context, msg Message) (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.outputs = append(c.outputs, msg.(*ChannelOutput))
		return nil, nil
	})
	bus.Subscribe("SessionFinished", func(ctx context.Context, msg Message) (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.finished = append(c.finished, msg.(*SessionFinished))
		return nil, nil
	})
}

func newBusRouter(t *testing.T) *kernel.Router {
	t.Helper()
	cfg := config.DefaultAgentConfig()
	cfg.AllowedTools = []string{"search"}
	n := 0
	r, err := kernel.NewRouter(cfg, kernel.WithIDGenerator(func(time.Time) string {
		n++
		return []string{"", "T1", "T2", "T3"}[n]
	}))
	require.NoError(t, err)
	return r
}

func TestBusSinkPublishesChannelOutputs(t *testing.T) {
	bus := newTestBus()
	c := &collector{}
	c.subscribe(bus)
	r := newBusRouter(t)
	sink := NewBusSink(bus)
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, &kernel.Message{Payload: "find flights"}, sink))
	require.NoError(t, r.Handle(ctx, &kernel.Message{
		Payload:     map[string]any{"kind": "final-answer", "message": "none today"},
		Correlation: &kernel.Correlation{Type: kernel.CorrelationModelResponse, TraceID: "T1"},
	}, sink))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.outputs, 3)
	assert.Equal(t, []string{"model", "raw-model-response", "result"},
		[]string{c.outputs[0].Channel, c.outputs[1].Channel, c.outputs[2].Channel})
	assert.Equal(t, int(kernel.ChannelResult), c.outputs[2].Index)
	assert.Equal(t, "none today", c.outputs[2].Message["payload"])
	assert.Equal(t, "T1", c.outputs[0].Message["_correlation"].(map[string]any)["traceId"])

	require.Len(t, c.finished, 1)
	assert.Equal(t, &SessionFinished{TraceID: "T1", Status: "completed", Completed: true, Iterations: 1}, c.finished[0])
}

func TestBusSinkRejectsEmptyOutputs(t *testing.T) {
	sink := NewBusSink(newTestBus())
	assert.Error(t, sink.Send(context.Background(), "T1", kernel.Outputs{}))
}

func TestBusSinkObserverFailureKeepsSessionOpen(t *testing.T) {
	bus := newTestBus()
	c := &collector{}
	c.subscribe(bus)
	bus.Subscribe("ChannelOutput", func(ctx context.Context, msg Message) (any, error) {
		if msg.(*ChannelOutput).Channel == "raw-model-response" {
			return nil, errors.New("audit store down")
		}
		return nil, nil
	})
	logger := &testLogger{}
	r := newBusRouter(t)
	sink := NewBusSink(bus, WithSinkLogger(logger))
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, &kernel.Message{Payload: "find flights"}, sink))
	require.NoError(t, r.Handle(ctx, &kernel.Message{
		Payload:     map[string]any{"kind": "tool-call", "tool": "search", "input": map[string]any{}},
		Correlation: &kernel.Correlation{Type: kernel.CorrelationModelResponse, TraceID: "T1"},
	}, sink))

	assert.True(t, logger.has("bus_sink_observer_failed"))
	assert.Equal(t, 1, r.ActiveSessions())

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.outputs, 3)
	assert.Equal(t, "tool", c.outputs[2].Channel)
	assert.Empty(t, c.finished)
}

func TestBusSinkReturnsBusErrors(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(NewCircuitBreakerMiddleware(1, time.Minute, nil, nil))
	bus.Subscribe("ChannelOutput", failingHandler("observer down"))
	sink := NewBusSink(bus)
	ctx := context.Background()
	out := kernel.Single(kernel.ChannelModel, &kernel.Outbound{Payload: "p", TraceID: "T1"})

	require.NoError(t, sink.Send(ctx, "T1", out))

	err := sink.Send(ctx, "T1", out)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "ChannelOutput", open.MessageType)
}

func TestRegisterSessionHandlers(t *testing.T) {
	bus := newTestBus()
	c := &collector{}
	c.subscribe(bus)
	r := newBusRouter(t)
	require.NoError(t, RegisterSessionHandlers(bus, r))
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, &kernel.Message{Payload: "a"}, NewBusSink(bus)))
	require.NoError(t, r.Handle(ctx, &kernel.Message{Payload: "b"}, NewBusSink(bus)))

	active, err := bus.QuerySync(ctx, &GetActiveSessions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, active)

	require.NoError(t, bus.Send(ctx, &AbandonSession{TraceID: "T1"}))
	assert.ErrorIs(t, bus.Send(ctx, &AbandonSession{TraceID: "T1"}), kernel.ErrCorrelationMiss)

	active, err = bus.QuerySync(ctx, &GetActiveSessions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"T2"}, active)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.finished, 1)
	assert.Equal(t, "abandoned", c.finished[0].Status)

	assert.Error(t, RegisterSessionHandlers(bus, r), "handlers are registered once")
}
