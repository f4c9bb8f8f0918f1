// Package health exposes the standard gRPC health service, reporting SERVING
// while the scheduler is running.
package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"notebook-scheduler/internal/scheduler"
)

const ServiceName = "notebook-scheduler"

// StateSource is anything that can report the scheduler state.
type StateSource interface {
	State() scheduler.State
}

type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewServer listens on addr. Every service starts as NOT_SERVING.
func NewServer(addr string) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpcServer: gs, health: hs, listener: lis}, nil
}

func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks until Stop.
func (s *Server) Serve() error {
	hlog.Infof("Health: gRPC health service listening on %s", s.Addr())
	if err := s.grpcServer.Serve(s.listener); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Track polls src until ctx ends, mirroring its state into the health status.
func (s *Server) Track(ctx context.Context, src StateSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := scheduler.State("")
	for {
		if st := src.State(); st != last {
			s.SetServing(st == scheduler.StateRunning)
			last = st
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop marks everything NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
