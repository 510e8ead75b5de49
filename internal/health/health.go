// Package health exposes the bridge's liveness over the standard gRPC
// health protocol. The service reports NOT_SERVING while the sensor feed is
// stalled.
package health

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/banshee-data/stagebridge/internal/gate"
	"github.com/banshee-data/stagebridge/internal/monitoring"
)

// ServiceName is the health service name clients check.
const ServiceName = "stagebridge.Env"

// Server serves gRPC health checks.
type Server struct {
	addr string

	health *grpchealth.Server
	server *grpc.Server

	mu       sync.Mutex
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer returns a server for addr that reports SERVING until told
// otherwise.
func NewServer(addr string) *Server {
	hs := grpchealth.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &Server{addr: addr, health: hs}
}

// SetGateState maps a gate state onto the serving status. It is meant to be
// installed as the gate's OnStateChange hook.
func (s *Server) SetGateState(st gate.State) {
	status := healthpb.HealthCheckResponse_SERVING
	if st == gate.Stalled {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	monitoring.Diagf("health: gate %s, %s is %s", st, ServiceName, status)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)
	reflection.Register(srv)

	s.mu.Lock()
	s.listener = lis
	s.server = srv
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Opsf("health: gRPC listening on %s", lis.Addr())
		if err := srv.Serve(lis); err != nil && s.running.Load() {
			monitoring.Opsf("health: gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.health.Shutdown()
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	srv.GracefulStop()
	s.wg.Wait()
	monitoring.Opsf("health: gRPC server stopped")
}
