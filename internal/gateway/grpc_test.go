// ABOUTME: Tests that capability health status follows probe registrations
// ABOUTME: Checks the health server directly without a gRPC listener

package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/probe-gateway/internal/instrument"
)

func healthStatus(t *testing.T, gw *Gateway, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestCapabilityHealth(t *testing.T) {
	gw := newTestGateway(t, apiConfig())

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(t, gw, ""))
	for _, remote := range instrument.Remotes {
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, gw, remote), remote)
	}

	attachProbe(t, gw, "p1", nopSender{}, instrument.RemoteLog)
	attachProbe(t, gw, "p2", nopSender{}, instrument.RemoteLog, instrument.RemoteSpan)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(t, gw, instrument.RemoteLog))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(t, gw, instrument.RemoteSpan))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, gw, instrument.RemoteMeter))

	require.NoError(t, gw.tracker.UnregisterRemote("p2", instrument.RemoteSpan))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, gw, instrument.RemoteSpan))

	// One of two log probes leaving keeps the capability up.
	gw.tracker.Disconnect("p1")
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(t, gw, instrument.RemoteLog))
	gw.tracker.Disconnect("p2")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, gw, instrument.RemoteLog))
}

func TestCapabilityHealth_UnknownService(t *testing.T) {
	gw := newTestGateway(t, apiConfig())
	_, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "probe.command.live-unknown"})
	assert.Error(t, err)
}
