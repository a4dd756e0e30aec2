package agentrpc

import (
	"context"

	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer wires the dispatcher onto the real grpc_health_v1 service
// (spec §6): Check always reports SERVING, unconditionally, since this
// agent has no dependency it could report as degraded. Embedding
// UnimplementedHealthServer satisfies the interface's forward-compatibility
// requirement; Watch is left on that default (Unimplemented), matching the
// spec's Health service listing one call (Check).
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	d *Dispatcher
}

// NewHealthServer returns a grpc_health_v1.HealthServer backed by d.
func NewHealthServer(d *Dispatcher) *HealthServer {
	return &HealthServer{d: d}
}

func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}
