// Package server hosts the gRPC endpoint of a serving buildqueue process.
// Only the standard health service is registered: orchestrators probe it to
// learn whether the supervisor loop is up.
package server

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service key reported for the supervisor.
const ServiceName = "buildqueue.Supervisor"

// Server gRPC server with the health service registered.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates a server that reports NOT_SERVING until SetServing(true).
func NewServer() *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s
}

// SetServing flips both the overall and the supervisor status.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Listen opens addr and serves in the background.
func (s *Server) Listen(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.Serve(lis)
	return lis.Addr(), nil
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) {
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			slog.Error("gRPC server stopped", "error", err)
		}
	}()
}

// Stop marks everything NOT_SERVING and drains open RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
