package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for a node.
const ServiceName = "voidnet.Node"

// DefaultHealthInterval is how often the health server polls the node.
const DefaultHealthInterval = time.Second

// HealthServer exposes the standard gRPC health checking protocol for a node.
type HealthServer struct {
	node     NodeSource
	addr     string
	interval time.Duration
	logger   *slog.Logger

	health     *health.Server
	grpcServer *grpc.Server
}

// NewHealthServer creates a health server. An interval <= 0 uses
// DefaultHealthInterval.
func NewHealthServer(addr string, node NodeSource, interval time.Duration, logger *slog.Logger) *HealthServer {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &HealthServer{
		node:       node,
		addr:       addr,
		interval:   interval,
		logger:     logger.With("component", "health"),
		health:     health.NewServer(),
		grpcServer: grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.Refresh()
	return s
}

// Refresh sets the serving status from the current node status.
func (s *HealthServer) Refresh() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.node.Status().Running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve accepts connections on ln and blocks until Stop.
func (s *HealthServer) Serve(ln net.Listener) error {
	s.logger.Info("health server listening", "addr", ln.Addr().String())
	return s.grpcServer.Serve(ln)
}

// Run listens on the configured address and keeps the serving status current
// until ctx is cancelled.
func (s *HealthServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ln)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			s.Refresh()
		case <-ctx.Done():
			s.Stop()
			return <-done
		}
	}
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
