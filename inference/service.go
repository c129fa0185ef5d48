package inference

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "particlescope.Inference"

	// inferenceMethod is the full method path of the batch call
	inferenceMethod = "/" + ServiceName + "/Inference"
)

// Server is implemented by inference backends
type Server interface {
	Inference(ctx context.Context, req *BatchRequest) (*BatchResult, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Inference",
			Handler:    inferenceHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "particlescope/inference",
}

// inferenceHandler decodes a request and dispatches it to the Server
func inferenceHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

	in := new(BatchRequest)

	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(Server).Inference(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: inferenceMethod,
	}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Inference(ctx, req.(*BatchRequest))
	}

	return interceptor(ctx, in, info, handler)
}

// RegisterServer registers srv on a gRPC server, the server must be created
// with ServerCodec
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

// ServerCodec is the server option selecting the msgpack codec
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(codec{})
}

// NewGRPCServer creates a gRPC server serving srv
func NewGRPCServer(srv Server, opts ...grpc.ServerOption) *grpc.Server {

	s := grpc.NewServer(append(opts, ServerCodec())...)
	RegisterServer(s, srv)

	return s
}
