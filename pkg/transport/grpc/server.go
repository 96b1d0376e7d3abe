package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/discv5-cli/pkg/observability/tracing"
	"github.com/amirimatin/discv5-cli/pkg/transport"
)

const (
	serviceName     = "discv5.v1.Management"
	getStatusMethod = "/" + serviceName + "/GetStatus"
)

// Server implements transport.StatusServer over gRPC using a JSON codec.
type Server struct {
	bind   string
	tlsCfg *tls.Config

	mu  sync.Mutex
	lis net.Listener
	srv *grpc.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type statusBlob struct {
	Data []byte `json:"data"`
}

type managementServer interface {
	GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
}

type mgmtImpl struct{ status transport.StatusFunc }

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	defer end()
	b, err := m.status(ctx)
	if err != nil {
		return nil, err
	}
	return &statusBlob{Data: b}, nil
}

// Service descriptor and handler are hand-written; there is no codegen.
var _Management_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
	},
}

func _Management_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStatusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).GetStatus(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, status transport.StatusFunc) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{status: status})

	s.mu.Lock()
	s.lis, s.srv = lis, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, lis := s.srv, s.lis
	s.srv, s.lis = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	}
	_ = lis.Close()
	return nil
}

var _ transport.StatusServer = (*Server)(nil)
