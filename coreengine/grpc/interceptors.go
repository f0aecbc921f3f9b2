package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/observability"
)

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// LoggingInterceptor logs the outcome and duration of each unary call. The
// session traceId is attached when the request carries one.
func LoggingInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		return passUnary
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logOutcome(logger, "grpc_request", info.FullMethod, requestTraceID(req), time.Since(start), err)
		return resp, err
	}
}

// StreamLoggingInterceptor logs the outcome and lifetime of each stream.
func StreamLoggingInterceptor(logger Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		return passStream
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		logger.Debug("grpc_stream_started", "method", info.FullMethod)
		err := handler(srv, ss)
		logOutcome(logger, "grpc_stream", info.FullMethod, "", time.Since(start), err)
		return err
	}
}

// logOutcome writes <prefix>_completed at debug, or <prefix>_failed at warn
// for client-caused codes and at error otherwise.
func logOutcome(logger Logger, prefix, method, traceID string, elapsed time.Duration, err error) {
	kv := []any{"method", method, "duration_ms", elapsed.Milliseconds()}
	if traceID != "" {
		kv = append(kv, "trace_id", traceID)
	}
	if err == nil {
		logger.Debug(prefix+"_completed", kv...)
		return
	}
	code := status.Code(err)
	kv = append(kv, "code", code.String(), "error", err.Error())
	if isClientError(code) {
		logger.Warn(prefix+"_failed", kv...)
		return
	}
	logger.Error(prefix+"_failed", kv...)
}

// requestTraceID finds the session a request is about: a top-level traceId,
// or the traceId of its _correlation marker.
func requestTraceID(req any) string {
	s, ok := req.(*structpb.Struct)
	if !ok {
		return ""
	}
	fields := s.GetFields()
	if id := fields["traceId"].GetStringValue(); id != "" {
		return id
	}
	return fields["_correlation"].GetStructValue().GetFields()["traceId"].GetStringValue()
}

// isClientError reports codes caused by the request rather than the server.
func isClientError(code codes.Code) bool {
	switch code {
	case codes.InvalidArgument, codes.NotFound, codes.ResourceExhausted, codes.Canceled:
		return true
	}
	return false
}

func passUnary(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	return handler(ctx, req)
}

func passStream(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	return handler(srv, ss)
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryHandler converts a recovered panic value into the returned error.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal error with panic details.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// RecoveryInterceptor turns a handler panic into an error and logs the stack.
func RecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer recoverTo(&err, logger, handler, "grpc_panic_recovered", info.FullMethod)
		return next(ctx, req)
	}
}

// StreamRecoveryInterceptor is RecoveryInterceptor for streams.
func StreamRecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		defer recoverTo(&err, logger, handler, "grpc_stream_panic_recovered", info.FullMethod)
		return next(srv, ss)
	}
}

func recoverTo(err *error, logger Logger, handler RecoveryHandler, event, method string) {
	p := recover()
	if p == nil {
		return
	}
	if logger != nil {
		logger.Error(event,
			"method", method,
			"panic", fmt.Sprintf("%v", p),
			"stack", string(debug.Stack()),
		)
	}
	*err = handler(p)
}

// =============================================================================
// METRICS INTERCEPTOR
// =============================================================================

// MetricsInterceptor records request counts and latency per method and code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return resp, err
	}
}

// =============================================================================
// RATE LIMIT INTERCEPTOR
// =============================================================================

// NewLimiter returns a token bucket allowing perSecond requests with burst,
// or nil when perSecond is not positive.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// RateLimitInterceptor rejects calls with ResourceExhausted once limiter has
// no tokens left. A nil limiter admits everything.
func RateLimitInterceptor(limiter *rate.Limiter, logger Logger) grpc.UnaryServerInterceptor {
	if limiter == nil {
		return passUnary
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !limiter.Allow() {
			if logger != nil {
				logger.Warn("grpc_rate_limited", "method", info.FullMethod, "trace_id", requestTraceID(req))
			}
			return nil, ResourceExhausted("request rate", fmt.Sprintf("%.2f/s", float64(limiter.Limit())))
		}
		return handler(ctx, req)
	}
}

// =============================================================================
// SERVER OPTIONS BUILDER
// =============================================================================

// ServerOptions returns the stats handler and interceptor chains of the
// agentcore server. Unary order: recovery, metrics, rate limit, logging.
func ServerOptions(logger Logger, limiter *rate.Limiter) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger, nil),
			MetricsInterceptor(),
			RateLimitInterceptor(limiter, logger),
			LoggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(logger, nil),
			StreamLoggingInterceptor(logger),
		),
	}
}
