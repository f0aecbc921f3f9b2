package grpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jeeves-cluster-organization/agentcore/commbus"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// TestLogger captures log calls for verification.
type TestLogger struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (l *TestLogger) record(level, msg string, keysAndValues []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := map[string]any{"level": level, "msg": msg}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			m[key] = keysAndValues[i+1]
		}
	}
	l.calls = append(l.calls, m)
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) { l.record("debug", msg, keysAndValues) }
func (l *TestLogger) Info(msg string, keysAndValues ...any)  { l.record("info", msg, keysAndValues) }
func (l *TestLogger) Warn(msg string, keysAndValues ...any)  { l.record("warn", msg, keysAndValues) }
func (l *TestLogger) Error(msg string, keysAndValues ...any) { l.record("error", msg, keysAndValues) }

func (l *TestLogger) find(level, msg string) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.calls {
		if c["level"] == level && c["msg"] == msg {
			return c
		}
	}
	return nil
}

type testEnv struct {
	client *Client
	router *kernel.Router
	bus    *commbus.InMemoryCommBus
	logger *TestLogger
}

func startTestServer(t *testing.T, opts ...grpc.ServerOption) *testEnv {
	t.Helper()

	cfg := config.DefaultAgentConfig()
	cfg.MaxIterations = 3
	cfg.AllowedTools = []string{"search_flights"}
	router, err := kernel.NewRouter(cfg)
	require.NoError(t, err)

	logger := &TestLogger{}
	bus := commbus.NewInMemoryCommBus(time.Second)
	if len(opts) == 0 {
		opts = ServerOptions(logger, nil)
	}
	server := NewGracefulServer(NewAgentServer(router, bus, logger), "bufnet", logger, opts...)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx, lis, time.Second)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-done
	})
	return &testEnv{client: NewClient(conn), router: router, bus: bus, logger: logger}
}

// populated returns the channel index and message of one positional output.
func populated(t *testing.T, send any) (int, map[string]any) {
	t.Helper()
	slots, ok := send.([]any)
	require.True(t, ok)
	require.Len(t, slots, kernel.NumChannels)
	idx := -1
	var msg map[string]any
	for i, slot := range slots {
		if slot != nil {
			require.Equal(t, -1, idx, "more than one channel populated")
			idx = i
			msg = slot.(map[string]any)
		}
	}
	require.NotEqual(t, -1, idx)
	return idx, msg
}

// =============================================================================
// SERVICE TESTS
// =============================================================================

func TestHandleRoundTrip(t *testing.T) {
	env := startTestServer(t)
	ctx := context.Background()

	resp, err := env.client.Handle(ctx, map[string]any{"payload": "book a flight"})
	require.NoError(t, err)
	outputs := resp["outputs"].([]any)
	require.Len(t, outputs, 1)
	idx, model := populated(t, outputs[0])
	assert.Equal(t, int(kernel.ChannelModel), idx)
	traceID := model["traceId"].(string)
	require.NotEmpty(t, traceID)

	// Resume with the correlation the model output carried
	resp, err = env.client.Handle(ctx, map[string]any{
		"payload":      map[string]any{"kind": "tool-call", "tool": "search_flights", "input": map[string]any{"to": "LIS"}},
		"_correlation": model["_correlation"],
	})
	require.NoError(t, err)
	outputs = resp["outputs"].([]any)
	require.Len(t, outputs, 2)
	idx, raw := populated(t, outputs[0])
	assert.Equal(t, int(kernel.ChannelRawModelResponse), idx)
	assert.Equal(t, float64(1), raw["agentResult"].(map[string]any)["iteration"])
	idx, tool := populated(t, outputs[1])
	assert.Equal(t, int(kernel.ChannelTool), idx)
	assert.Equal(t, "search_flights", tool["tool"])

	// Final answer
	resp, err = env.client.Handle(ctx, map[string]any{
		"payload":      map[string]any{"kind": "final-answer", "message": "Booked!"},
		"_correlation": map[string]any{"type": "model_response", "traceId": traceID},
	})
	require.NoError(t, err)
	outputs = resp["outputs"].([]any)
	idx, result := populated(t, outputs[len(outputs)-1])
	assert.Equal(t, int(kernel.ChannelResult), idx)
	assert.Equal(t, "Booked!", result["payload"])
	assert.Equal(t, true, result["agentResult"].(map[string]any)["completed"])

	ids, err := env.client.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHandleRequiresPayload(t *testing.T) {
	env := startTestServer(t)

	_, err := env.client.Handle(context.Background(), map[string]any{"_correlation": map[string]any{"traceId": "x"}})

	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.NotNil(t, env.logger.find("warn", "grpc_request_failed"))
}

func TestHandleCorrelationMissReturnsNoOutputs(t *testing.T) {
	env := startTestServer(t)

	resp, err := env.client.Handle(context.Background(), map[string]any{
		"payload":      "late",
		"_correlation": map[string]any{"type": "model_response", "traceId": "gone"},
	})

	require.NoError(t, err)
	assert.Empty(t, resp["outputs"])
}

func TestAbandon(t *testing.T) {
	env := startTestServer(t)
	ctx := context.Background()

	resp, err := env.client.Handle(ctx, map[string]any{"payload": "q"})
	require.NoError(t, err)
	_, model := populated(t, resp["outputs"].([]any)[0])
	traceID := model["traceId"].(string)

	ids, err := env.client.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{traceID}, ids)

	resp, err = env.client.Abandon(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, true, resp["abandoned"])

	_, err = env.client.Abandon(ctx, traceID)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = env.client.Abandon(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSubscribeStreamsOutputs(t *testing.T) {
	env := startTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recv, err := env.client.Subscribe(ctx, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.bus.SubscriberCount("ChannelOutput") == 1
	}, time.Second, 5*time.Millisecond)

	_, err = env.client.Handle(context.Background(), map[string]any{"payload": "q"})
	require.NoError(t, err)

	out, err := recv()
	require.NoError(t, err)
	assert.Equal(t, "model", out["channel"])
	assert.Equal(t, float64(kernel.ChannelModel), out["index"])
	msg := out["message"].(map[string]any)
	assert.Equal(t, out["traceId"], msg["traceId"])
}

func TestSubscribeReceivesAbandonResult(t *testing.T) {
	env := startTestServer(t)
	ctx := context.Background()

	resp, err := env.client.Handle(ctx, map[string]any{"payload": "q"})
	require.NoError(t, err)
	_, model := populated(t, resp["outputs"].([]any)[0])
	traceID := model["traceId"].(string)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	recv, err := env.client.Subscribe(streamCtx, traceID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.bus.SubscriberCount("ChannelOutput") == 1
	}, time.Second, 5*time.Millisecond)

	_, err = env.client.Abandon(ctx, traceID)
	require.NoError(t, err)

	out, err := recv()
	require.NoError(t, err)
	assert.Equal(t, "result", out["channel"])
	result := out["message"].(map[string]any)["agentResult"].(map[string]any)
	assert.Equal(t, "abandoned", result["status"])
}

func TestRateLimitedServer(t *testing.T) {
	logger := &TestLogger{}
	env := startTestServer(t, ServerOptions(logger, NewLimiter(0.001, 1))...)
	ctx := context.Background()

	_, err := env.client.ActiveSessions(ctx)
	require.NoError(t, err)

	_, err = env.client.ActiveSessions(ctx)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.NotNil(t, logger.find("warn", "grpc_rate_limited"))
}

func TestToStructNormalizesTypedValues(t *testing.T) {
	s, err := toStruct(map[string]any{
		"tools": []string{"a", "b"},
		"n":     3,
	})
	require.NoError(t, err)
	m := s.AsMap()
	assert.Equal(t, []any{"a", "b"}, m["tools"])
	assert.Equal(t, float64(3), m["n"])
}
