// Package grpcbridge carries the raw transport between a host process and
// worker processes over gRPC. Messages are JSON encoded through a codec
// registered under CodecName, so no generated code is involved.
package grpcbridge

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/billm/baaaht/ipcflow/pkg/transport"
)

const (
	// CodecName is the gRPC content subtype of every bridge call.
	CodecName = "ipcflow-json"

	serviceName     = "ipcflow.Transport"
	methodInvoke    = "/" + serviceName + "/Invoke"
	methodSend      = "/" + serviceName + "/Send"
	methodSubscribe = "/" + serviceName + "/Subscribe"

	// Metadata keys identifying the calling worker.
	mdWorker = "ipcflow-worker"
	mdFrame  = "ipcflow-frame"
	mdPID    = "ipcflow-pid"
)

type codec struct {
	transport.JSONCodec
}

func (codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(codec{})
}

// InvokeRequest is the body of an Invoke call.
type InvokeRequest struct {
	Channel string `json:"channel"`
	Args    []any  `json:"args,omitempty"`
}

// InvokeResponse carries the handler's reply.
type InvokeResponse struct {
	Result any `json:"result,omitempty"`
}

// SendRequest is the body of a Send call.
type SendRequest struct {
	Channel string `json:"channel"`
	Args    []any  `json:"args,omitempty"`
}

// SendResponse acknowledges a Send.
type SendResponse struct{}

// SubscribeRequest opens the push stream of one frame.
type SubscribeRequest struct{}

// Message is one push from the host. The first message of every stream
// has an empty Channel and acknowledges the subscription.
type Message struct {
	Channel string `json:"channel,omitempty"`
	Args    []any  `json:"args,omitempty"`
}

// TransportService is implemented by the host side of the bridge.
type TransportService interface {
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
	Send(ctx context.Context, req *SendRequest) (*SendResponse, error)
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InvokeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransportService).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInvoke}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransportService).Invoke(ctx, req.(*InvokeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransportService).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSend}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransportService).Send(ctx, req.(*SendRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TransportService).Subscribe(in, stream)
}

// ServiceDesc describes the bridge service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TransportService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "ipcflow/transport",
}
