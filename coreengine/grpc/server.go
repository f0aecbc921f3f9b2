package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/agentcore/commbus"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
)

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// subscriberBuffer is the per-stream backlog before outputs are dropped.
const subscriberBuffer = 64

// collectingSink records the outputs of one RPC.
type collectingSink struct {
	mu    sync.Mutex
	sends []kernel.Outputs
}

func (s *collectingSink) Send(_ context.Context, _ string, out kernel.Outputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, out)
	return nil
}

func (s *collectingSink) collected() []kernel.Outputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]kernel.Outputs, len(s.sends))
	copy(result, s.sends)
	return result
}

// AgentServer implements AgentCoreServer on a session router.
//
// Outputs of a call are returned in its response. When a bus is set they are
// also published as ChannelOutput events, which is how asynchronous
// outputs (timeouts, abandons from other callers) reach Subscribe streams.
type AgentServer struct {
	router *kernel.Router
	bus    commbus.CommBus
	logger Logger
}

// NewAgentServer creates the service. bus may be nil.
func NewAgentServer(router *kernel.Router, bus commbus.CommBus, logger Logger) *AgentServer {
	return &AgentServer{router: router, bus: bus, logger: logger}
}

func (s *AgentServer) sinkFor(collector *collectingSink) kernel.OutputSink {
	if s.bus == nil {
		return collector
	}
	return kernel.Tee(collector, commbus.NewBusSink(s.bus, commbus.WithSinkLogger(s.logger)))
}

// Handle routes one inbound message.
func (s *AgentServer) Handle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg, err := messageFromStruct(req)
	if err != nil {
		return nil, err
	}

	collector := &collectingSink{}
	handleErr := s.router.Handle(ctx, msg, s.sinkFor(collector))

	extra := map[string]any{}
	var execErr *kernel.ExecutionError
	switch {
	case handleErr == nil:
	case errors.As(handleErr, &execErr):
		// The session was closed and its result is among the outputs
		extra["error"] = execErr.Error()
	case errors.Is(handleErr, context.Canceled), errors.Is(handleErr, context.DeadlineExceeded):
		return nil, status.FromContextError(handleErr).Err()
	default:
		return nil, Internal("handle", handleErr)
	}
	return outputsToStruct(collector.collected(), extra)
}

// Abandon closes a live session.
func (s *AgentServer) Abandon(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	traceID, err := requiredString(req, "traceId")
	if err != nil {
		return nil, err
	}

	// The result goes to the sink of the session's last call
	if err := s.router.Abandon(ctx, traceID); err != nil {
		if errors.Is(err, kernel.ErrCorrelationMiss) {
			return nil, NotFound("session", traceID)
		}
		var execErr *kernel.ExecutionError
		if !errors.As(err, &execErr) {
			return nil, Internal("abandon", err)
		}
		return toStruct(map[string]any{"traceId": traceID, "abandoned": true, "error": execErr.Error()})
	}
	return toStruct(map[string]any{"traceId": traceID, "abandoned": true})
}

// ActiveSessions lists live traceIds.
func (s *AgentServer) ActiveSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ids := s.router.Table().TraceIDs()
	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	return toStruct(map[string]any{"traceIds": list, "count": len(ids)})
}

// Subscribe streams ChannelOutput events until the client goes away.
func (s *AgentServer) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	if s.bus == nil {
		return status.Error(codes.Unimplemented, "output stream requires a bus")
	}
	filter := ""
	if v, ok := req.GetFields()["traceId"]; ok {
		filter = v.GetStringValue()
	}

	events := make(chan *commbus.ChannelOutput, subscriberBuffer)
	unsubscribe := s.bus.Subscribe("ChannelOutput", func(ctx context.Context, msg commbus.Message) (any, error) {
		out, ok := msg.(*commbus.ChannelOutput)
		if !ok || (filter != "" && out.TraceID != filter) {
			return nil, nil
		}
		select {
		case events <- out:
		default:
			if s.logger != nil {
				s.logger.Warn("grpc_subscriber_output_dropped", "trace_id", out.TraceID, "channel", out.Channel)
			}
		}
		return nil, nil
	})
	defer unsubscribe()

	if s.logger != nil {
		s.logger.Debug("grpc_subscriber_attached", "trace_id", filter)
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-events:
			msg, err := toStruct(map[string]any{
				"traceId": out.TraceID,
				"channel": out.Channel,
				"index":   out.Index,
				"message": out.Message,
			})
			if err != nil {
				return Internal("encode output", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

var _ AgentCoreServer = (*AgentServer)(nil)

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server with graceful shutdown support.
type GracefulServer struct {
	grpcServer *grpc.Server
	logger     Logger
	address    string
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer creates a GracefulServer serving srv.
func NewGracefulServer(srv AgentCoreServer, address string, logger Logger, opts ...grpc.ServerOption) *GracefulServer {
	grpcServer := grpc.NewServer(opts...)
	RegisterAgentCoreServer(grpcServer, srv)
	return &GracefulServer{
		grpcServer: grpcServer,
		logger:     logger,
		address:    address,
	}
}

// Serve serves on lis and blocks until ctx is cancelled or the server fails.
// On cancellation it stops gracefully within shutdownTimeout.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener, shutdownTimeout time.Duration) error {
	if s.logger != nil {
		s.logger.Info("grpc_server_started", "address", lis.Addr().String())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		if s.logger != nil {
			s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		}
		s.ShutdownWithTimeout(shutdownTimeout)
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *GracefulServer) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis, shutdownTimeout)
}

// GracefulStop stops accepting new connections and waits for in-flight calls.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true
	s.grpcServer.GracefulStop()
	if s.logger != nil {
		s.logger.Info("grpc_graceful_stop_completed")
	}
}

// ShutdownWithTimeout performs graceful shutdown, forcing an immediate stop
// when it does not complete within timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		if s.logger != nil {
			s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		}
		s.grpcServer.Stop()
	}
}

// GRPCServer returns the underlying grpc.Server.
func (s *GracefulServer) GRPCServer() *grpc.Server {
	return s.grpcServer
}
