package coord

import (
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name the coordinator reports under.
const HealthService = "mesh.Coordinator"

// Health exposes the standard gRPC health protocol for the coordinator.
// It reports NOT_SERVING until the cluster reaches STEP.
type Health struct {
	srv  *health.Server
	grpc *grpc.Server
}

// NewHealth builds the health server with OpenTelemetry instrumentation.
func NewHealth() *Health {
	h := &Health{
		srv:  health.NewServer(),
		grpc: grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
	}
	healthpb.RegisterHealthServer(h.grpc, h.srv)
	h.SetServing(false)
	return h
}

// SetServing flips the reported status of the coordinator service and of
// the server as a whole.
func (h *Health) SetServing(serving bool) {
	if h == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(HealthService, status)
	h.srv.SetServingStatus("", status)
}

// Server returns the underlying health implementation, mainly for tests.
func (h *Health) Server() healthpb.HealthServer { return h.srv }

// Serve blocks serving gRPC on lis.
func (h *Health) Serve(lis net.Listener) error { return h.grpc.Serve(lis) }

// Stop shuts the gRPC server down.
func (h *Health) Stop() {
	h.srv.Shutdown()
	h.grpc.GracefulStop()
}
