package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/miradorstack/kube-memory/internal/config"
)

// Subscribe streams are long lived; idle clients are pinged rather than dropped.
const (
	keepaliveTime    = 30 * time.Second
	keepaliveTimeout = 10 * time.Second
	minClientPing    = 10 * time.Second
)

// Server owns the gRPC listener, the health service and the KubeMemory service registration.
type Server struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	logger     *slog.Logger
}

// NewServer listens on cfg.Address.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, service KubeMemoryServer, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	return NewServerWithListener(cfg, lis, logger, service, opts...), nil
}

// NewServerWithListener serves on lis; tests pass a bufconn listener.
func NewServerWithListener(cfg config.ServerConfig, lis net.Listener, logger *slog.Logger, service KubeMemoryServer, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	grpc_prometheus.EnableHandlingTimeHistogram()
	grpcServer := grpc.NewServer(append(baseOptions(), opts...)...)

	RegisterKubeMemoryServer(grpcServer, service)
	grpc_prometheus.Register(grpcServer)

	s := &Server{
		cfg:        cfg,
		grpcServer: grpcServer,
		health:     health.NewServer(),
		listener:   lis,
		logger:     logger.With(slog.String("component", "grpc")),
	}
	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.SetServing(true)

	if cfg.Reflection {
		reflection.Register(grpcServer)
	}
	return s
}

func baseOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: keepaliveTime, Timeout: keepaliveTimeout}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: minClientPing, PermitWithoutStream: true}),
	}
}

// SetServing flips the overall and KubeMemory health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Start blocks serving requests. It returns nil after a clean Shutdown.
func (s *Server) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return errors.New("server not initialised")
	}
	s.logger.Info("grpc server listening", slog.String("address", s.Address()))
	if err := s.grpcServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown drains in-flight calls until ctx expires, then closes the remaining streams.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.grpcServer.GracefulStop()
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, closing open streams")
		s.grpcServer.Stop()
	}
}

func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
