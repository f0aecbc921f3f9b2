// Package grpc exposes the session router over gRPC.
//
// The service carries google.protobuf.Struct messages so the wire shape is the
// same JSON object model the router speaks:
//
//	Handle          {payload, _correlation?} -> {outputs: [[model, tool, memory, result, raw]...]}
//	Abandon         {traceId}                -> {outputs: [...]}
//	ActiveSessions  {}                       -> {traceIds: [...]}
//	Subscribe       {traceId?}               -> stream of {traceId, channel, index, message}
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "agentcore.v1.AgentCore"

// Full method names.
const (
	HandleMethod         = "/" + ServiceName + "/Handle"
	AbandonMethod        = "/" + ServiceName + "/Abandon"
	ActiveSessionsMethod = "/" + ServiceName + "/ActiveSessions"
	SubscribeMethod      = "/" + ServiceName + "/Subscribe"
)

// AgentCoreServer is the server API for the AgentCore service.
type AgentCoreServer interface {
	Handle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Abandon(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ActiveSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

// RegisterAgentCoreServer registers srv on s.
func RegisterAgentCoreServer(s grpc.ServiceRegistrar, srv AgentCoreServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler(method string, call func(AgentCoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AgentCoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AgentCoreServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AgentCoreServer).Subscribe(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentCoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Handle",
			Handler: unaryHandler(HandleMethod, func(s AgentCoreServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Handle(ctx, in)
			}),
		},
		{
			MethodName: "Abandon",
			Handler: unaryHandler(AbandonMethod, func(s AgentCoreServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Abandon(ctx, in)
			}),
		},
		{
			MethodName: "ActiveSessions",
			Handler: unaryHandler(ActiveSessionsMethod, func(s AgentCoreServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.ActiveSessions(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "agentcore/v1/agentcore.proto",
}

// =============================================================================
// CLIENT
// =============================================================================

// Client calls the AgentCore service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client on cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Handle sends one inbound message {payload, _correlation?}.
func (c *Client) Handle(ctx context.Context, msg map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	return c.invoke(ctx, HandleMethod, msg, opts...)
}

// Abandon closes a live session.
func (c *Client) Abandon(ctx context.Context, traceID string, opts ...grpc.CallOption) (map[string]any, error) {
	return c.invoke(ctx, AbandonMethod, map[string]any{"traceId": traceID}, opts...)
}

// ActiveSessions lists live traceIds.
func (c *Client) ActiveSessions(ctx context.Context, opts ...grpc.CallOption) ([]string, error) {
	resp, err := c.invoke(ctx, ActiveSessionsMethod, map[string]any{}, opts...)
	if err != nil {
		return nil, err
	}
	raw, _ := resp["traceIds"].([]any)
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Subscribe opens the output stream, optionally filtered to one traceId.
// Each received value is one ChannelOutput.
func (c *Client) Subscribe(ctx context.Context, traceID string, opts ...grpc.CallOption) (func() (map[string]any, error), error) {
	desc := &serviceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, SubscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	req := map[string]any{}
	if traceID != "" {
		req["traceId"] = traceID
	}
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (map[string]any, error) {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			return nil, err
		}
		return out.AsMap(), nil
	}, nil
}
