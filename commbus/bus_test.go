package commbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryCommBus {
	return NewInMemoryCommBus(time.Second)
}

// countingHandler returns handler that counts calls
func countingHandler(counter *int32) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(counter, 1)
		return "ok", nil
	}
}

// failingHandler returns handler that always fails
func failingHandler(errMsg string) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New(errMsg)
	}
}

type testLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *testLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, msg)
}

func (l *testLogger) Debug(msg string, args ...any) { l.add(msg) }
func (l *testLogger) Info(msg string, args ...any)  { l.add(msg) }
func (l *testLogger) Warn(msg string, args ...any)  { l.add(msg) }
func (l *testLogger) Error(msg string, args ...any) { l.add(msg) }

func (l *testLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

type recordingMiddleware struct {
	mu    sync.Mutex
	calls []string
	name  string
	order *[]string
}

func (m *recordingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.order = append(*m.order, m.name+":before")
	return message, nil
}

func (m *recordingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.order = append(*m.order, m.name+":after")
	return result, nil
}

// =============================================================================
// PUBLISH TESTS
// =============================================================================

func TestPublishFansOut(t *testing.T) {
	bus := newTestBus()
	var count int32
	bus.Subscribe("ChannelOutput", countingHandler(&count))
	bus.Subscribe("ChannelOutput", countingHandler(&count))
	bus.Subscribe("SessionFinished", countingHandler(&count))

	err := bus.Publish(context.Background(), &ChannelOutput{TraceID: "T1", Channel: "model"})

	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestPublishNoSubscribers(t *testing.T) {
	logger := &testLogger{}
	bus := NewInMemoryCommBus(time.Second, WithBusLogger(logger))

	assert.NoError(t, bus.Publish(context.Background(), &SessionFinished{TraceID: "T1"}))
	assert.True(t, logger.has("bus_no_subscribers"))
}

func TestPublishSubscriberError(t *testing.T) {
	bus := newTestBus()
	var count int32
	bus.Subscribe("ChannelOutput", failingHandler("disk full"))
	bus.Subscribe("ChannelOutput", countingHandler(&count))

	err := bus.Publish(context.Background(), &ChannelOutput{TraceID: "T1"})

	var subErr *SubscriberError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "ChannelOutput", subErr.EventType)
	assert.Equal(t, 1, subErr.Failed)
	assert.EqualError(t, errors.Unwrap(err), "disk full")
	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "other subscribers still run")
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	var first, second int32
	unsubscribe := bus.Subscribe("ChannelOutput", countingHandler(&first))
	bus.Subscribe("ChannelOutput", countingHandler(&second))

	unsubscribe()
	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), &ChannelOutput{}))

	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
	assert.Equal(t, 1, bus.SubscriberCount("ChannelOutput"))
}

// =============================================================================
// SEND AND QUERY TESTS
// =============================================================================

func TestSendCommand(t *testing.T) {
	bus := newTestBus()
	var got string
	require.NoError(t, bus.RegisterHandler("AbandonSession", func(ctx context.Context, msg Message) (any, error) {
		got = msg.(*AbandonSession).TraceID
		return nil, nil
	}))

	require.NoError(t, bus.Send(context.Background(), &AbandonSession{TraceID: "T9"}))
	assert.Equal(t, "T9", got)
}

func TestSendWithoutHandlerIsDropped(t *testing.T) {
	bus := newTestBus()
	assert.NoError(t, bus.Send(context.Background(), &AbandonSession{TraceID: "T1"}))
}

func TestRegisterHandlerDuplicate(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("GetActiveSessions", countingHandler(new(int32))))

	err := bus.RegisterHandler("GetActiveSessions", countingHandler(new(int32)))

	var dup *HandlerAlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "GetActiveSessions", dup.MessageType)
	assert.True(t, bus.HasHandler("GetActiveSessions"))
}

func TestQuerySync(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("GetActiveSessions", func(ctx context.Context, msg Message) (any, error) {
		return []string{"T1", "T2"}, nil
	}))

	result, err := bus.QuerySync(context.Background(), &GetActiveSessions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, result)
}

func TestQuerySyncNoHandler(t *testing.T) {
	bus := newTestBus()
	_, err := bus.QuerySync(context.Background(), &GetActiveSessions{})

	var noHandler *NoHandlerError
	assert.ErrorAs(t, err, &noHandler)
}

func TestQuerySyncTimeout(t *testing.T) {
	bus := NewInMemoryCommBus(20 * time.Millisecond)
	require.NoError(t, bus.RegisterHandler("GetActiveSessions", func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := bus.QuerySync(context.Background(), &GetActiveSessions{})

	var timeout *QueryTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Contains(t, timeout.Error(), "GetActiveSessions")
}

// =============================================================================
// MIDDLEWARE CHAIN TESTS
// =============================================================================

func TestMiddlewareOrder(t *testing.T) {
	bus := newTestBus()
	var order []string
	bus.AddMiddleware(&recordingMiddleware{name: "a", order: &order})
	bus.AddMiddleware(&recordingMiddleware{name: "b", order: &order})
	bus.Subscribe("ChannelOutput", countingHandler(new(int32)))

	require.NoError(t, bus.Publish(context.Background(), &ChannelOutput{}))

	assert.Equal(t, []string{"a:before", "b:before", "b:after", "a:after"}, order)
}

func TestClear(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("ChannelOutput", countingHandler(new(int32)))
	require.NoError(t, bus.RegisterHandler("AbandonSession", countingHandler(new(int32))))
	assert.Equal(t, []string{"AbandonSession", "ChannelOutput"}, bus.RegisteredTypes())

	bus.Clear()

	assert.Empty(t, bus.RegisteredTypes())
	assert.False(t, bus.HasHandler("AbandonSession"))
}

func TestGetMessageType(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{&ChannelOutput{}, "ChannelOutput"},
		{&SessionFinished{}, "SessionFinished"},
		{&AbandonSession{}, "AbandonSession"},
		{&GetActiveSessions{}, "GetActiveSessions"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GetMessageType(tt.msg))
	}
	assert.Equal(t, "query", (&GetActiveSessions{}).Category())
	assert.Equal(t, "command", (&AbandonSession{}).Category())
	assert.Equal(t, "event", (&ChannelOutput{}).Category())
}
