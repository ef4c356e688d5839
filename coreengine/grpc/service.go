package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages on the RunService are google.protobuf.Struct values so the
// service needs no generated code. Field names are documented on each
// RunServer method.

// Fully-qualified method names.
const (
	RunServiceName                  = "stagegraph.v1.RunService"
	RunService_StartRun_FullMethod  = "/stagegraph.v1.RunService/StartRun"
	RunService_GetRun_FullMethod    = "/stagegraph.v1.RunService/GetRun"
	RunService_CancelRun_FullMethod = "/stagegraph.v1.RunService/CancelRun"
	RunService_WatchRun_FullMethod  = "/stagegraph.v1.RunService/WatchRun"
)

// RunServiceServer is the server API for RunService.
type RunServiceServer interface {
	StartRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchRun(*structpb.Struct, RunService_WatchRunServer) error
}

// RunService_WatchRunServer is the server side of a WatchRun stream.
type RunService_WatchRunServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// UnimplementedRunServiceServer can be embedded for forward compatibility.
type UnimplementedRunServiceServer struct{}

func (UnimplementedRunServiceServer) StartRun(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method StartRun not implemented")
}
func (UnimplementedRunServiceServer) GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetRun not implemented")
}
func (UnimplementedRunServiceServer) CancelRun(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method CancelRun not implemented")
}
func (UnimplementedRunServiceServer) WatchRun(*structpb.Struct, RunService_WatchRunServer) error {
	return status.Error(codes.Unimplemented, "method WatchRun not implemented")
}

// RegisterRunServiceServer registers srv on s.
func RegisterRunServiceServer(s grpc.ServiceRegistrar, srv RunServiceServer) {
	s.RegisterService(&RunService_ServiceDesc, srv)
}

func unaryHandler(method string, call func(RunServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RunServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RunServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchRunHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RunServiceServer).WatchRun(in, &watchRunServer{stream})
}

type watchRunServer struct {
	grpc.ServerStream
}

func (x *watchRunServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// RunService_ServiceDesc is the grpc.ServiceDesc for RunService.
var RunService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: RunServiceName,
	HandlerType: (*RunServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartRun", Handler: unaryHandler(RunService_StartRun_FullMethod, RunServiceServer.StartRun)},
		{MethodName: "GetRun", Handler: unaryHandler(RunService_GetRun_FullMethod, RunServiceServer.GetRun)},
		{MethodName: "CancelRun", Handler: unaryHandler(RunService_CancelRun_FullMethod, RunServiceServer.CancelRun)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchRun", Handler: watchRunHandler, ServerStreams: true},
	},
	Metadata: "stagegraph/v1/run_service.proto",
}

// =============================================================================
// CLIENT
// =============================================================================

// RunServiceClient is the client API for RunService.
type RunServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRunServiceClient creates a client over cc.
func NewRunServiceClient(cc grpc.ClientConnInterface) *RunServiceClient {
	return &RunServiceClient{cc: cc}
}

func (c *RunServiceClient) unary(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StartRun calls RunService.StartRun.
func (c *RunServiceClient) StartRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.unary(ctx, RunService_StartRun_FullMethod, in, opts...)
}

// GetRun calls RunService.GetRun.
func (c *RunServiceClient) GetRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.unary(ctx, RunService_GetRun_FullMethod, in, opts...)
}

// CancelRun calls RunService.CancelRun.
func (c *RunServiceClient) CancelRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.unary(ctx, RunService_CancelRun_FullMethod, in, opts...)
}

// WatchRunClient receives WatchRun messages.
type WatchRunClient struct {
	grpc.ClientStream
}

// Recv reads the next message; io.EOF ends the stream.
func (x *WatchRunClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WatchRun opens a WatchRun stream.
func (c *RunServiceClient) WatchRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*WatchRunClient, error) {
	stream, err := c.cc.NewStream(ctx, &RunService_ServiceDesc.Streams[0], RunService_WatchRun_FullMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &WatchRunClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
