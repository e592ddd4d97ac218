package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// 수동으로 작성한 gRPC 서비스 정의 (protoc 생성 코드 대신)
// 메시지는 well-known 타입만 사용: BytesValue 요청, Empty 응답

const (
	gossipServiceName = "bridge.gossip.v1.Gossip"
	deliverMethod     = "/" + gossipServiceName + "/Deliver"
)

// GossipServer is the server API of the gossip service.
type GossipServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var _ GossipServer = (*GRPCTransport)(nil)

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GossipServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GossipServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var gossipServiceDesc = grpc.ServiceDesc{
	ServiceName: gossipServiceName,
	HandlerType: (*GossipServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bridge/gossip/v1/gossip.proto",
}
