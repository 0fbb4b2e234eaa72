package api

import (
	"context"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"execution-core/internal/engine"
)

// HealthService publishes the engine state through the standard gRPC
// health protocol. SERVING needs a connected backend and no emergency stop.
type HealthService struct {
	engine   engine.Service
	server   *health.Server
	interval time.Duration
}

func NewHealthService(svc engine.Service, interval time.Duration) *HealthService {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthService{engine: svc, server: health.NewServer(), interval: interval}
}

// Refresh recomputes the status and returns it.
func (h *HealthService) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if hc := h.engine.Health(ctx); hc.Connected && !hc.EmergencyStop {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", st)
	return st
}

// Check answers like a remote health client would see it.
func (h *HealthService) Check(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.server.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

// Serve listens on addr until ctx is done.
func (h *HealthService) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.server)

	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			h.Refresh(ctx)
			select {
			case <-ctx.Done():
				h.server.Shutdown()
				srv.GracefulStop()
				return
			case <-ticker.C:
			}
		}
	}()

	log.Printf("grpc: health service listening on %s", addr)
	if err := srv.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
