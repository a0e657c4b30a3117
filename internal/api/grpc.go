package api

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"brokerd/internal/domain"
	"brokerd/internal/events"
)

// HealthReporter serves the standard gRPC health service. The overall
// service ("") and the provider's named service are SERVING while the
// provider is connected.
type HealthReporter struct {
	provider string
	srv      *health.Server
	log      *slog.Logger
}

// NewHealthReporter creates a reporter for the named provider, initially
// NOT_SERVING.
func NewHealthReporter(provider string, log *slog.Logger) *HealthReporter {
	h := &HealthReporter{provider: provider, srv: health.NewServer(), log: log}
	h.Set(false)
	return h
}

// RegisterGRPC registers the health service on the given gRPC server.
func (h *HealthReporter) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

// Set records whether the provider is connected.
func (h *HealthReporter) Set(connected bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(h.provider, st)
}

// Check returns the current status of service.
func (h *HealthReporter) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Watch follows connection events on bus until ctx is done. initial is the
// connection state at the time of the call.
func (h *HealthReporter) Watch(ctx context.Context, bus *events.Bus, initial bool) {
	subID, ch := bus.Subscribe(16, domain.EventTopicConnection)
	defer bus.Unsubscribe(subID)
	h.Set(initial)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch evt.Name() {
			case "connected":
				h.Set(true)
			case "disconnected":
				h.Set(false)
			default:
				continue
			}
			h.log.Info("health status changed", "event", evt.Name(), "provider", h.provider)
		}
	}
}

// Shutdown marks every service NOT_SERVING permanently.
func (h *HealthReporter) Shutdown() {
	h.srv.Shutdown()
}
