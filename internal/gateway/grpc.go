// ABOUTME: gRPC health service reporting gateway liveness and per-capability serving status
// ABOUTME: Capability status follows probe registrations through tracker hooks

package gateway

import (
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/probe-gateway/internal/instrument"
	"github.com/2389/probe-gateway/internal/probe"
)

// initHealthStatus marks the gateway itself SERVING and every capability
// NOT_SERVING until a probe registers it.
func (g *Gateway) initHealthStatus() {
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, remote := range instrument.Remotes {
		g.health.SetServingStatus(remote, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// capabilityHooks keeps the health service in step with the tracker.
func (g *Gateway) capabilityHooks() probe.Hooks {
	return probe.Hooks{
		RemoteRegistered: func(_ probe.Info, remote string) {
			g.updateCapability(remote)
		},
		RemoteUnregistered: func(_ probe.Info, remote string) {
			g.updateCapability(remote)
		},
		Disconnected: func(p probe.Info) {
			for _, remote := range p.Remotes {
				g.updateCapability(remote)
			}
		},
	}
}

func (g *Gateway) updateCapability(remote string) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.tracker.RemoteCount(remote) > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(remote, status)
	g.logger.Debug("capability health updated", "remote", remote, "status", status.String())
}
