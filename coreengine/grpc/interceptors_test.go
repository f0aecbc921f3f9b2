package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/observability"
)

var testInfo = &grpc.UnaryServerInfo{FullMethod: "/agentcore.v1.AgentCore/Test"}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestLoggingInterceptor(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLevel string
		wantMsg   string
	}{
		{"success", nil, "debug", "grpc_request_completed"},
		{"server error", errors.New("boom"), "error", "grpc_request_failed"},
		{"client error", status.Error(codes.NotFound, "missing"), "warn", "grpc_request_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &TestLogger{}
			interceptor := LoggingInterceptor(logger)

			_, err := interceptor(context.Background(), "req", testInfo, func(ctx context.Context, req any) (any, error) {
				return "resp", tt.err
			})

			assert.Equal(t, tt.err, err)
			call := logger.find(tt.wantLevel, tt.wantMsg)
			require.NotNil(t, call)
			assert.Equal(t, testInfo.FullMethod, call["method"])
		})
	}
}

func TestLoggingInterceptorNilLogger(t *testing.T) {
	resp, err := LoggingInterceptor(nil)(context.Background(), "req", testInfo, func(ctx context.Context, req any) (any, error) {
		return "resp", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "resp", resp)
}

func TestRecoveryInterceptor(t *testing.T) {
	logger := &TestLogger{}
	interceptor := RecoveryInterceptor(logger, nil)

	resp, err := interceptor(context.Background(), "req", testInfo, func(ctx context.Context, req any) (any, error) {
		panic("handler exploded")
	})

	assert.Nil(t, resp)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, err.Error(), "handler exploded")
	call := logger.find("error", "grpc_panic_recovered")
	require.NotNil(t, call)
	assert.NotEmpty(t, call["stack"])
}

func TestRecoveryInterceptorCustomHandler(t *testing.T) {
	interceptor := RecoveryInterceptor(nil, func(p any) error {
		return status.Error(codes.Unavailable, "try later")
	})

	_, err := interceptor(context.Background(), "req", testInfo, func(ctx context.Context, req any) (any, error) {
		panic("x")
	})

	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestMetricsInterceptor(t *testing.T) {
	counter := observability.GRPCRequestsTotal().WithLabelValues(testInfo.FullMethod, codes.NotFound.String())
	before := testutil.ToFloat64(counter)

	_, _ = MetricsInterceptor()(context.Background(), "req", testInfo, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "missing")
	})

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestRateLimitInterceptor(t *testing.T) {
	interceptor := RateLimitInterceptor(NewLimiter(0.001, 2), nil)
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	for i := 0; i < 2; i++ {
		_, err := interceptor(context.Background(), "req", testInfo, handler)
		require.NoError(t, err)
	}
	_, err := interceptor(context.Background(), "req", testInfo, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	unlimited := RateLimitInterceptor(NewLimiter(0, 0), nil)
	for i := 0; i < 100; i++ {
		_, err := unlimited(context.Background(), "req", testInfo, handler)
		require.NoError(t, err)
	}
}

func TestRequestTraceID(t *testing.T) {
	tests := []struct {
		name string
		req  any
		want string
	}{
		{"top level", mustStruct(t, map[string]any{"traceId": "T1"}), "T1"},
		{"correlation", mustStruct(t, map[string]any{
			"payload":      "x",
			"_correlation": map[string]any{"type": "model_response", "traceId": "T2"},
		}), "T2"},
		{"new session", mustStruct(t, map[string]any{"payload": "x"}), ""},
		{"not a struct", "req", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, requestTraceID(tt.req))
		})
	}
}

func TestLoggingInterceptorAttachesTraceID(t *testing.T) {
	logger := &TestLogger{}
	req := mustStruct(t, map[string]any{"traceId": "T9"})

	_, err := LoggingInterceptor(logger)(context.Background(), req, testInfo, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.InvalidArgument, "bad")
	})

	require.Error(t, err)
	call := logger.find("warn", "grpc_request_failed")
	require.NotNil(t, call)
	assert.Equal(t, "T9", call["trace_id"])
	assert.Equal(t, codes.InvalidArgument.String(), call["code"])
}
