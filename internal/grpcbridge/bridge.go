// Package grpcbridge defines the mcpway gRPC bridge service: a single bidi
// "stream" RPC exchanging framed JSON-RPC envelopes plus a unary "health"
// probe. The message bindings are maintained by hand against bridge.proto
// and encode the standard protobuf wire format via protowire, so any
// protoc-generated client built from the same schema interoperates on the
// default application/grpc content type.
package grpcbridge

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"google.golang.org/protobuf/proto"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "mcpway.bridge.McpBridge"

// Envelope carries one JSON-RPC message across the bridge
// (bridge.proto: Envelope).
type Envelope struct {
	JSONRPC   string            // field 1, json_rpc
	Metadata  map[string]string // field 2
	SessionID string            // field 3
	Seq       uint64            // field 4, monotonically increasing per direction
}

// HealthRequest is the unary health probe input (bridge.proto:
// HealthRequest).
type HealthRequest struct{}

// HealthResponse reports bridge liveness (bridge.proto: HealthResponse).
type HealthResponse struct {
	Ok      bool   // field 1
	Message string // field 2
}

// wireCodec replaces grpc's default proto codec for this process. Bridge
// messages are encoded with the hand-maintained protowire bindings; every
// other value must be a regular proto.Message and is delegated to the
// standard marshaler, so the registration is transparent to unrelated gRPC
// traffic.
type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Envelope:
		return m.marshal(), nil
	case *HealthRequest:
		return nil, nil
	case *HealthResponse:
		return m.marshal(), nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("grpcbridge codec: cannot marshal %T", v)
	}
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Envelope:
		return m.unmarshal(data)
	case *HealthRequest:
		return nil // no fields
	case *HealthResponse:
		return m.unmarshal(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("grpcbridge codec: cannot unmarshal into %T", v)
	}
}

func (wireCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// BridgeServer is the service implementation contract.
type BridgeServer interface {
	Stream(StreamServer) error
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

// StreamServer is the server side of the bidi stream.
type StreamServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ServerStream
}

type streamServer struct {
	grpc.ServerStream
}

func (s *streamServer) Send(env *Envelope) error {
	return s.ServerStream.SendMsg(env)
}

func (s *streamServer) Recv() (*Envelope, error) {
	env := new(Envelope)
	if err := s.ServerStream.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BridgeServer).Stream(&streamServer{stream})
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: fmt.Sprintf("/%s/health", ServiceName),
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc registers the bridge with a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "health", Handler: healthHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "bridge.proto",
}

// RegisterBridgeServer attaches an implementation to a grpc.Server.
func RegisterBridgeServer(s *grpc.Server, srv BridgeServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// BridgeClient is the client contract.
type BridgeClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (StreamClient, error)
	Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

// StreamClient is the client side of the bidi stream.
type StreamClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

type bridgeClient struct {
	cc grpc.ClientConnInterface
}

// NewBridgeClient builds a BridgeClient over an established connection.
func NewBridgeClient(cc grpc.ClientConnInterface) BridgeClient {
	return &bridgeClient{cc: cc}
}

func (c *bridgeClient) Stream(ctx context.Context, opts ...grpc.CallOption) (StreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fmt.Sprintf("/%s/stream", ServiceName), opts...)
	if err != nil {
		return nil, err
	}
	return &streamClient{stream}, nil
}

func (c *bridgeClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	err := c.cc.Invoke(ctx, fmt.Sprintf("/%s/health", ServiceName), in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type streamClient struct {
	grpc.ClientStream
}

func (s *streamClient) Send(env *Envelope) error {
	return s.ClientStream.SendMsg(env)
}

func (s *streamClient) Recv() (*Envelope, error) {
	env := new(Envelope)
	if err := s.ClientStream.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}
