package server

import (
	"context"

	"github.com/futlize/vectordb/internal/vectorapi"
	"google.golang.org/grpc"
	emptypb "google.golang.org/protobuf/types/known/emptypb"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

type vectorDBServer interface {
	CreateIndex(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetIndex(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListIndexes(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	DeleteIndex(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	CreateEntry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchEntries(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: vectorapi.ServiceName,
	HandlerType: (*vectorDBServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: vectorapi.MethodCreateIndex, Handler: createIndexHandler},
		{MethodName: vectorapi.MethodGetIndex, Handler: getIndexHandler},
		{MethodName: vectorapi.MethodListIndexes, Handler: listIndexesHandler},
		{MethodName: vectorapi.MethodDeleteIndex, Handler: deleteIndexHandler},
		{MethodName: vectorapi.MethodCreateEntry, Handler: createEntryHandler},
		{MethodName: vectorapi.MethodSearchEntries, Handler: searchEntriesHandler},
	},
}

func createIndexHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(vectorDBServer).CreateIndex(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: vectorapi.FullMethodCreateIndex}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(vectorDBServer).CreateIndex(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getIndexHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(vectorDBServer).GetIndex(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: vectorapi.FullMethodGetIndex}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(vectorDBServer).GetIndex(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listIndexesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(vectorDBServer).ListIndexes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: vectorapi.FullMethodListIndexes}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(vectorDBServer).ListIndexes(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteIndexHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(vectorDBServer).DeleteIndex(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: vectorapi.FullMethodDeleteIndex}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(vectorDBServer).DeleteIndex(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func createEntryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(vectorDBServer).CreateEntry(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: vectorapi.FullMethodCreateEntry}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(vectorDBServer).CreateEntry(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func searchEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(vectorDBServer).SearchEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: vectorapi.FullMethodSearchEntries}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(vectorDBServer).SearchEntries(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
