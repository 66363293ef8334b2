package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tickcast.v1.Timers"

const (
	methodStart  = "/" + ServiceName + "/Start"
	methodStop   = "/" + ServiceName + "/Stop"
	methodList   = "/" + ServiceName + "/List"
	methodStatus = "/" + ServiceName + "/Status"
	methodWatch  = "/" + ServiceName + "/Watch"
)

// TimersServer is the server API for the tickcast.v1.Timers service. All
// messages are protobuf well-known types, so no generated code is needed.
type TimersServer interface {
	Start(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	Stop(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BoolValue, error)
	List(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Watch(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterTimersServer registers srv on s.
func RegisterTimersServer(s grpc.ServiceRegistrar, srv TimersServer) {
	s.RegisterService(&Timers_ServiceDesc, srv)
}

func _Timers_Start_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TimersServer).Start(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStart}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TimersServer).Start(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func _Timers_Stop_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TimersServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStop}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TimersServer).Stop(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func _Timers_List_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TimersServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodList}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TimersServer).List(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Timers_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TimersServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TimersServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Timers_Watch_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TimersServer).Watch(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// Timers_ServiceDesc is the grpc.ServiceDesc for the tickcast.v1.Timers service.
var Timers_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TimersServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: _Timers_Start_Handler},
		{MethodName: "Stop", Handler: _Timers_Stop_Handler},
		{MethodName: "List", Handler: _Timers_List_Handler},
		{MethodName: "Status", Handler: _Timers_Status_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       _Timers_Watch_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "tickcast/v1/timers.proto",
}
