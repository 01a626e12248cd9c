package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "voxsync.v1.CacheService"

// CacheServer is the server side of voxsync.v1.CacheService. Messages are
// protobuf well-known types; Struct payloads carry snake_case fields.
type CacheServer interface {
	GetCachedConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueueMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPendingCount(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
	ListPending(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ProcessQueue(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RetryPending(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	GetSyncStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchSyncStatus(*emptypb.Empty, grpc.ServerStream) error
	GetProfile(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ClearAll(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// ServiceDesc describes CacheService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CacheServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetCachedConversations", newStruct, CacheServer.GetCachedConversations),
		unary("SyncConversations", newStruct, CacheServer.SyncConversations),
		unary("QueueMessage", newStruct, CacheServer.QueueMessage),
		unary("GetPendingCount", newEmpty, CacheServer.GetPendingCount),
		unary("ListPending", newEmpty, CacheServer.ListPending),
		unary("ProcessQueue", newEmpty, CacheServer.ProcessQueue),
		unary("RetryPending", newString, CacheServer.RetryPending),
		unary("GetSyncStatus", newEmpty, CacheServer.GetSyncStatus),
		unary("GetProfile", newString, CacheServer.GetProfile),
		unary("ClearAll", newEmpty, CacheServer.ClearAll),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchSyncStatus",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(emptypb.Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(CacheServer).WatchSyncStatus(in, stream)
			},
		},
	},
	Metadata: "voxsync/v1/cache.proto",
}

// RegisterCacheServer registers srv on s.
func RegisterCacheServer(s grpc.ServiceRegistrar, srv CacheServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func newStruct() *structpb.Struct        { return new(structpb.Struct) }
func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp proto.Message](name string, newReq func() Req, call func(CacheServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CacheServer), ctx, req.(Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}
