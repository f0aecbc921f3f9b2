package commbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestBreaker(threshold int, excluded ...string) (*CircuitBreakerMiddleware, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreakerMiddleware(threshold, time.Minute, excluded, nil)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(2)
	bus := newTestBus()
	bus.AddMiddleware(cb)
	var calls int32
	require.NoError(t, bus.RegisterHandler("AbandonSession", func(ctx context.Context, msg Message) (any, error) {
		calls++
		return nil, errors.New("router unavailable")
	}))
	ctx := context.Background()

	assert.Error(t, bus.Send(ctx, &AbandonSession{}))
	assert.Equal(t, CircuitClosed, cb.GetStates()["AbandonSession"])
	assert.Error(t, bus.Send(ctx, &AbandonSession{}))
	assert.Equal(t, CircuitOpen, cb.GetStates()["AbandonSession"])

	err := bus.Send(ctx, &AbandonSession{})
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, int32(2), calls, "open circuit blocks the handler")
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()
	msg := &AbandonSession{}

	_, err := cb.Before(ctx, msg)
	require.NoError(t, err)
	_, _ = cb.After(ctx, msg, nil, errors.New("boom"))
	require.Equal(t, CircuitOpen, cb.GetStates()["AbandonSession"])

	clock.now = clock.now.Add(2 * time.Minute)
	_, err = cb.Before(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, CircuitHalfOpen, cb.GetStates()["AbandonSession"])

	_, _ = cb.After(ctx, msg, nil, nil)
	assert.Equal(t, CircuitClosed, cb.GetStates()["AbandonSession"])
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()
	msg := &AbandonSession{}

	_, _ = cb.After(ctx, msg, nil, errors.New("boom"))
	clock.now = clock.now.Add(2 * time.Minute)
	_, err := cb.Before(ctx, msg)
	require.NoError(t, err)

	_, _ = cb.After(ctx, msg, nil, errors.New("still down"))
	assert.Equal(t, CircuitOpen, cb.GetStates()["AbandonSession"])
	_, err = cb.Before(ctx, msg)
	assert.Error(t, err)
}

func TestCircuitBreakerExcludedTypesAndZeroThreshold(t *testing.T) {
	ctx := context.Background()

	cb, _ := newTestBreaker(1, "ChannelOutput")
	_, _ = cb.After(ctx, &ChannelOutput{}, nil, errors.New("boom"))
	assert.NotContains(t, cb.GetStates(), "ChannelOutput")

	never, _ := newTestBreaker(0)
	for i := 0; i < 10; i++ {
		_, _ = never.After(ctx, &AbandonSession{}, nil, errors.New("boom"))
	}
	assert.Equal(t, CircuitClosed, never.GetStates()["AbandonSession"])
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx := context.Background()
	_, _ = cb.After(ctx, &AbandonSession{}, nil, errors.New("boom"))
	_, _ = cb.After(ctx, &SessionFinished{}, nil, errors.New("boom"))

	cb.Reset("AbandonSession")
	assert.NotContains(t, cb.GetStates(), "AbandonSession")
	assert.Contains(t, cb.GetStates(), "SessionFinished")

	cb.Reset("")
	assert.Empty(t, cb.GetStates())
}

func TestLoggingMiddleware(t *testing.T) {
	logger := &testLogger{}
	bus := newTestBus()
	bus.AddMiddleware(NewLoggingMiddleware(logger))
	require.NoError(t, bus.RegisterHandler("AbandonSession", failingHandler("nope")))

	_ = bus.Send(context.Background(), &AbandonSession{TraceID: "T1"})

	assert.True(t, logger.has("bus_message"))
	assert.True(t, logger.has("bus_message_failed"))
}
