package monitor

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reported for the data link.
const ServiceName = "radiomesh.Link"

// HealthServer exposes the standard gRPC health service. The link is
// SERVING once every node has left discovery.
type HealthServer struct {
	health *health.Server

	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewHealthServer returns a server reporting NOT_SERVING until Update says
// otherwise.
func NewHealthServer() *HealthServer {
	h := &HealthServer{health: health.NewServer()}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Update sets the status from how many of total nodes have joined.
func (h *HealthServer) Update(joined, total int) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if total > 0 && joined >= total {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.set(status)
	return status
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Start listens on addr and serves in the background.
func (h *HealthServer) Start(addr string) error {
	if h.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	h.listener = lis
	h.server = grpc.NewServer()
	healthpb.RegisterHealthServer(h.server, h.health)
	h.running.Store(true)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		log.Printf("[Health] gRPC health server listening on %s", lis.Addr())
		if err := h.server.Serve(lis); err != nil && h.running.Load() {
			log.Printf("[Health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound listener address, or nil before Start.
func (h *HealthServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop marks every service NOT_SERVING and shuts the server down.
func (h *HealthServer) Stop() {
	if !h.running.Load() {
		return
	}
	h.running.Store(false)
	h.health.Shutdown()
	h.server.GracefulStop()
	h.wg.Wait()
	log.Printf("[Health] gRPC health server stopped")
}
