package server

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/git-pkgs/schemaloader/internal/core"
	"github.com/git-pkgs/schemaloader/internal/service"
)

const (
	// LoaderServiceName is the fully qualified gRPC service name.
	LoaderServiceName = "codegen.Loader"

	getSchemaMethod = "/codegen.Loader/GetSchema"

	requestIDHeader = "x-request-id"
)

// LoaderServer is the server API for the codegen.Loader service.
type LoaderServer interface {
	GetSchema(context.Context, *GetSchemaRequest) (*GetSchemaResponse, error)
}

type loader struct {
	svc *service.Service
}

// NewLoaderServer adapts a service to the codegen.Loader API.
func NewLoaderServer(svc *service.Service) LoaderServer {
	return &loader{svc: svc}
}

func (l *loader) GetSchema(ctx context.Context, req *GetSchemaRequest) (*GetSchemaResponse, error) {
	resp, err := l.svc.GetSchema(ctx, core.PackageRef{Name: req.Package, Constraint: req.Version})
	if err != nil {
		return nil, grpcError(ctx, err)
	}
	defer resp.Release()

	return &GetSchemaResponse{
		Schema:  resp.Schema,
		Version: resp.Resolved.Version,
		Digest:  resp.Document.Digest,
	}, nil
}

// NewGRPCServer builds a gRPC server serving codegen.Loader and the standard
// health service.
func NewGRPCServer(svc *service.Service, logger log.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(requestLogger(logger)),
	}, opts...)
	server := grpc.NewServer(opts...)

	RegisterLoaderServer(server, NewLoaderServer(svc))

	hs := health.NewServer()
	hs.SetServingStatus(LoaderServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// requestLogger tags each call with a request id and logs its outcome.
func requestLogger(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(requestIDHeader); len(v) > 0 {
				id = v[0]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, id))

		start := time.Now()
		resp, err := handler(ctx, req)
		level.Debug(logger).Log("msg", "grpc request", "method", info.FullMethod, "request_id", id,
			"code", status.Code(err).String(), "duration", time.Since(start))
		return resp, err
	}
}

// RegisterLoaderServer registers srv on s.
func RegisterLoaderServer(s grpc.ServiceRegistrar, srv LoaderServer) {
	s.RegisterService(&loaderServiceDesc, srv)
}

func loaderGetSchemaHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetSchemaRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LoaderServer).GetSchema(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getSchemaMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LoaderServer).GetSchema(ctx, req.(*GetSchemaRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var loaderServiceDesc = grpc.ServiceDesc{
	ServiceName: LoaderServiceName,
	HandlerType: (*LoaderServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetSchema",
			Handler:    loaderGetSchemaHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "codegen/loader.proto",
}

// LoaderClient is the client API for the codegen.Loader service.
type LoaderClient interface {
	GetSchema(ctx context.Context, in *GetSchemaRequest, opts ...grpc.CallOption) (*GetSchemaResponse, error)
}

type loaderClient struct {
	cc grpc.ClientConnInterface
}

// NewLoaderClient creates a client for the codegen.Loader service.
func NewLoaderClient(cc grpc.ClientConnInterface) LoaderClient {
	return &loaderClient{cc: cc}
}

func (c *loaderClient) GetSchema(ctx context.Context, in *GetSchemaRequest, opts ...grpc.CallOption) (*GetSchemaResponse, error) {
	out := new(GetSchemaResponse)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	if err := c.cc.Invoke(ctx, getSchemaMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
