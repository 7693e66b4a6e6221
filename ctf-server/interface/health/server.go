// Package health serves the standard gRPC health protocol for the server's
// backing stores.
package health

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kavos113/quickctf/lib/logger"
)

const DefaultInterval = 10 * time.Second

// Checker returns nil while the dependency is usable.
type Checker func(ctx context.Context) error

type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   map[string]Checker
	interval time.Duration
	serving  atomic.Bool
	logger   *slog.Logger
}

// NewServer registers one health service per check name. The empty service
// name reports the conjunction of all checks.
func NewServer(checks map[string]Checker, interval time.Duration, log *slog.Logger) *Server {
	if interval <= 0 {
		interval = DefaultInterval
	}

	interceptor := logger.NewLoggingInterceptor(log)
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(interceptor.Unary()),
		grpc.ChainStreamInterceptor(interceptor.Stream()),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	return &Server{
		grpc:     grpcServer,
		health:   hs,
		checks:   checks,
		interval: interval,
		logger:   log,
	}
}

// Run probes every check once immediately and then on each interval until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.Probe(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

func (s *Server) Probe(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING

	for name, check := range s.checks {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(checkCtx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
			s.logger.Warn("health check failed", slog.String("check", name), slog.String("error", err.Error()))
		}
		s.health.SetServingStatus(name, status)
	}

	s.health.SetServingStatus("", overall)
	s.serving.Store(overall == healthpb.HealthCheckResponse_SERVING)
}

// Serving reports the result of the latest probe.
func (s *Server) Serving() bool {
	return s.serving.Load()
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
