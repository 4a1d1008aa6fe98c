package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const DataServiceName = "kvdata.v1.DataService"

// DataServiceServer is the server API for the DataService. Requests carry
// table, target, key, value and cache fields in a Struct.
type DataServiceServer interface {
	Get(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	Set(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Remove(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Flush(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterDataServiceServer(s grpc.ServiceRegistrar, srv DataServiceServer) {
	s.RegisterService(&DataServiceDesc, srv)
}

type dataServiceCall func(srv DataServiceServer, ctx context.Context, in *structpb.Struct) (interface{}, error)

func dataServiceHandler(method string, call dataServiceCall) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DataServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + DataServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(DataServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var DataServiceDesc = grpc.ServiceDesc{
	ServiceName: DataServiceName,
	HandlerType: (*DataServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Get",
			Handler: dataServiceHandler("Get", func(srv DataServiceServer, ctx context.Context, in *structpb.Struct) (interface{}, error) {
				return srv.Get(ctx, in)
			}),
		},
		{
			MethodName: "Set",
			Handler: dataServiceHandler("Set", func(srv DataServiceServer, ctx context.Context, in *structpb.Struct) (interface{}, error) {
				return srv.Set(ctx, in)
			}),
		},
		{
			MethodName: "Remove",
			Handler: dataServiceHandler("Remove", func(srv DataServiceServer, ctx context.Context, in *structpb.Struct) (interface{}, error) {
				return srv.Remove(ctx, in)
			}),
		},
		{
			MethodName: "Flush",
			Handler: dataServiceHandler("Flush", func(srv DataServiceServer, ctx context.Context, in *structpb.Struct) (interface{}, error) {
				return srv.Flush(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kvdata/v1/data.proto",
}
