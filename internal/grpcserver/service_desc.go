package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "parkpoints.v1.BookingLedger"

const (
	methodReserve      = "/" + ServiceName + "/Reserve"
	methodCancel       = "/" + ServiceName + "/Cancel"
	methodPurgeAccount = "/" + ServiceName + "/PurgeAccount"
	methodGetBalance   = "/" + ServiceName + "/GetBalance"
)

// BookingLedgerServer is the server API for parkpoints.v1.BookingLedger.
// Requests and responses are google.protobuf.Struct documents.
type BookingLedgerServer interface {
	Reserve(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	PurgeAccount(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// RegisterBookingLedgerServer attaches server to registrar.
func RegisterBookingLedgerServer(registrar grpc.ServiceRegistrar, server BookingLedgerServer) {
	registrar.RegisterService(&bookingLedgerServiceDesc, server)
}

var bookingLedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BookingLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reserve", Handler: unaryHandler(methodReserve, BookingLedgerServer.Reserve)},
		{MethodName: "Cancel", Handler: unaryHandler(methodCancel, BookingLedgerServer.Cancel)},
		{MethodName: "PurgeAccount", Handler: unaryHandler(methodPurgeAccount, BookingLedgerServer.PurgeAccount)},
		{MethodName: "GetBalance", Handler: unaryHandler(methodGetBalance, BookingLedgerServer.GetBalance)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "parkpoints/v1/booking_ledger.proto",
}

type structMethod func(server BookingLedgerServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

type unaryMethodHandler = func(server interface{}, ctx context.Context, decode func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

func unaryHandler(fullMethod string, method structMethod) unaryMethodHandler {
	return func(server interface{}, ctx context.Context, decode func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(server.(BookingLedgerServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
		handler := func(ctx context.Context, request interface{}) (interface{}, error) {
			return method(server.(BookingLedgerServer), ctx, request.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// BookingLedgerClient is the client API for parkpoints.v1.BookingLedger.
type BookingLedgerClient struct {
	conn grpc.ClientConnInterface
}

// NewBookingLedgerClient wraps an established connection.
func NewBookingLedgerClient(conn grpc.ClientConnInterface) *BookingLedgerClient {
	return &BookingLedgerClient{conn: conn}
}

func (client *BookingLedgerClient) Reserve(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodReserve, request, options...)
}

func (client *BookingLedgerClient) Cancel(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodCancel, request, options...)
}

func (client *BookingLedgerClient) PurgeAccount(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodPurgeAccount, request, options...)
}

func (client *BookingLedgerClient) GetBalance(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetBalance, request, options...)
}

func (client *BookingLedgerClient) invoke(ctx context.Context, method string, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, method, request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}
