package agent

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tacticalmesh/meshagent/pkg/observability"
)

// HealthServiceName is the service reported by the gRPC health endpoint
const HealthServiceName = "meshagent.Agent"

// HealthServer exposes the connection state over the standard gRPC health
// protocol. REGISTERED and DEGRADED serve; DISCONNECTED does not.
type HealthServer struct {
	addr   string
	logger *zap.Logger
	server *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHealthServer creates a health server listening on addr once started
func NewHealthServer(addr string, logger *zap.Logger) *HealthServer {
	logger = logger.With(zap.String("component", "grpc-health"))

	srv := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryProbeInterceptor(logger)),
		grpc.StreamInterceptor(observability.StreamProbeInterceptor(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{addr: addr, logger: logger, server: srv, health: hs}
}

// Start listens and serves in the background
func (h *HealthServer) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC health on %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.listener = lis
	h.mu.Unlock()

	h.logger.Info("Starting gRPC health server", zap.String("address", lis.Addr().String()))
	go func() {
		if err := h.server.Serve(lis); err != nil {
			h.logger.Error("gRPC health server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (h *HealthServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// SetState maps the connection state to a serving status
func (h *HealthServer) SetState(s ConnectionState) {
	status := healthpb.HealthCheckResponse_SERVING
	if s == StateDisconnected {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthServiceName, status)
}

// Stop marks every service NOT_SERVING and stops the server
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
