// ABOUTME: Tests for the Gateway orchestrator running real bridge, HTTP and gRPC listeners
// ABOUTME: Drives a probe over TCP through add, apply, hit and remove, then checks ledger and health

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/probe-gateway/internal/auth"
	"github.com/2389/probe-gateway/internal/bridge"
	"github.com/2389/probe-gateway/internal/config"
	"github.com/2389/probe-gateway/internal/instrument"
	"github.com/2389/probe-gateway/internal/live"
	"github.com/2389/probe-gateway/internal/store"
)

// freeAddr reserves a loopback port and releases it for the gateway to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			BridgeAddr: freeAddr(t),
			HTTPAddr:   freeAddr(t),
			GRPCAddr:   freeAddr(t),
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(t.TempDir(), "ledger.db"),
		},
		Instruments: config.InstrumentsConfig{
			ExpirySweepInterval: 50 * time.Millisecond,
			ApplyTimeout:        2 * time.Second,
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runGateway starts gw.Run and waits for the HTTP server to answer.
func runGateway(t *testing.T, gw *Gateway) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Run() returned unexpected error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("gateway did not shutdown in time")
		}
	})

	url := "http://" + gw.config.Server.HTTPAddr + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "gateway HTTP server never came up")
}

// testProbe is a probe connected over the real bridge that applies every
// ADD it receives.
type testProbe struct {
	client *bridge.Client
}

// connectProbe returns once the tracker lists every requested capability,
// since the bridge acks a registration before the tracker records it.
func connectProbe(t *testing.T, gw *Gateway, id string, remotes ...string) *testProbe {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := bridge.Dial(ctx, gw.config.Server.BridgeAddr)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	hello := bridge.Hello{
		InstanceID:     id,
		ConnectionTime: time.Now().UnixMilli(),
		Meta:           map[string]string{"service": "checkout"},
	}
	require.NoError(t, client.Connect(ctx, hello, ""))
	for _, remote := range remotes {
		require.NoError(t, client.Register(ctx, remote))
	}
	require.Eventually(t, func() bool {
		info, ok := gw.tracker.Get(id)
		return ok && len(info.Remotes) == len(remotes)
	}, 5*time.Second, 10*time.Millisecond)

	p := &testProbe{client: client}
	go p.applyLoop()
	return p
}

func (p *testProbe) applyLoop() {
	for {
		select {
		case <-p.client.Done():
			return
		case f := <-p.client.Commands():
			var cmd instrument.Command
			if err := json.Unmarshal(f.Body, &cmd); err != nil || cmd.Type != instrument.CommandAdd {
				continue
			}
			for _, inst := range cmd.Instruments {
				_ = p.client.Publish(instrument.AddressApplied, inst)
			}
		}
	}
}

func apiRequest(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set(auth.HeaderDeveloperID, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.tracker == nil || gw.controller == nil || gw.service == nil {
		t.Error("core components should not be nil")
	}
	if gw.store == nil {
		t.Error("store should not be nil when database.path is set")
	}
	if gw.grpcServer == nil {
		t.Error("grpcServer should not be nil when grpc_addr is set")
	}
}

func TestGatewayNew_OptionalComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = ""
	cfg.Server.GRPCAddr = ""

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.store != nil {
		t.Error("store should be nil when database.path is empty")
	}
	if gw.grpcServer != nil {
		t.Error("grpcServer should be nil when grpc_addr is empty")
	}
}

func TestGatewayNew_RejectsWeakSecrets(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.ProbeSecret = "short"
	if _, err := New(cfg, testLogger()); err == nil {
		t.Error("New() should reject a short probe secret")
	}

	cfg = testConfig(t)
	cfg.Auth.JWTSecret = "short"
	if _, err := New(cfg, testLogger()); err == nil {
		t.Error("New() should reject a short jwt secret")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}

	// A second Shutdown is a no-op.
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestGatewayRun_PortInUse(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	require.NoError(t, err)
	defer ln.Close()

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	err = gw.Run(context.Background())
	assert.Error(t, err)
}

func TestGateway_ReadyTracksProbes(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	runGateway(t, gw)

	ready := "http://" + cfg.Server.HTTPAddr + "/health/ready"
	resp, err := http.Get(ready)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	p := connectProbe(t, gw, "probe-1")

	resp, err = http.Get(ready)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (1 probes)", string(body))

	p.client.Close()
	require.Eventually(t, func() bool {
		return gw.tracker.ConnectedCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGateway_InstrumentLifecycleOverBridge(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	runGateway(t, gw)

	base := "http://" + cfg.Server.HTTPAddr
	p := connectProbe(t, gw, "probe-1", instrument.RemoteBreakpoint)

	// Add and wait for the probe to apply it.
	resp := apiRequest(t, http.MethodPost, base+"/api/instruments", map[string]any{
		"type":              "BREAKPOINT",
		"location":          map[string]any{"source": "cart.go", "line": 42},
		"apply_immediately": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added instrument.Instrument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	assert.True(t, added.Applied)
	assert.False(t, added.Pending)
	require.NotEmpty(t, added.ID)

	// A hit is counted and recorded.
	require.NoError(t, p.client.Publish(instrument.AddressHit, HitReport{
		ID:   added.ID,
		Data: json.RawMessage(`{"vars":{"total":12}}`),
	}))
	require.Eventually(t, func() bool {
		inst, ok := gw.controller.Get(added.ID)
		if !ok {
			return false
		}
		n, _ := inst.Meta.Get(live.MetaHitCount)
		return n == "1"
	}, 5*time.Second, 20*time.Millisecond)

	// Remove through the API.
	resp = apiRequest(t, http.MethodDelete, base+"/api/instruments/"+added.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = apiRequest(t, http.MethodGet, base+"/api/instruments/"+added.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The ledger holds the whole story.
	require.Eventually(t, func() bool {
		res, err := gw.store.ListEvents(context.Background(), store.ListParams{InstrumentID: added.ID})
		return err == nil && len(res.Events) == 4
	}, 5*time.Second, 20*time.Millisecond)

	resp = apiRequest(t, http.MethodGet, base+"/api/instruments/"+added.ID+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history store.ListResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	var types []string
	for _, ev := range history.Events {
		types = append(types, ev.Type)
	}
	assert.ElementsMatch(t, []string{"ADDED", "APPLIED", "HIT", "REMOVED"}, types)
}

func TestGateway_CatchUpOnLateRegistration(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	runGateway(t, gw)

	base := "http://" + cfg.Server.HTTPAddr
	resp := apiRequest(t, http.MethodPost, base+"/api/instruments", map[string]any{
		"type":     "LOG",
		"location": map[string]any{"source": "cart.go", "line": 7, "service": "checkout"},
		"log":      map[string]any{"format": "total={}", "arguments": []string{"total"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added instrument.Instrument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	assert.True(t, added.Pending)

	connectProbe(t, gw, "late-probe", instrument.RemoteLog)

	require.Eventually(t, func() bool {
		inst, ok := gw.controller.Get(added.ID)
		return ok && inst.Applied
	}, 5*time.Second, 20*time.Millisecond, "late probe should receive and apply the pending log")
}

func TestGateway_ProbeRemovalWithCause(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	runGateway(t, gw)

	base := "http://" + cfg.Server.HTTPAddr
	p := connectProbe(t, gw, "probe-1", instrument.RemoteBreakpoint)

	resp := apiRequest(t, http.MethodPost, base+"/api/instruments", map[string]any{
		"type":              "BREAKPOINT",
		"location":          map[string]any{"source": "cart.go", "line": 9},
		"apply_immediately": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added instrument.Instrument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))

	require.NoError(t, p.client.Publish(instrument.AddressRemoved, RemovedReport{
		ID:         added.ID,
		OccurredAt: time.Now().UnixMilli(),
		Cause:      instrument.FormatCause(instrument.CauseEvaluation, "CONDITIONAL_FAILED", "bad condition"),
	}))

	require.Eventually(t, func() bool {
		_, ok := gw.controller.Get(added.ID)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGateway_GRPCHealth(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	runGateway(t, gw)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(instrument.RemoteMeter))

	p := connectProbe(t, gw, "probe-1", instrument.RemoteMeter)
	require.Eventually(t, func() bool {
		return check(instrument.RemoteMeter) == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	p.client.Close()
	require.Eventually(t, func() bool {
		return check(instrument.RemoteMeter) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGateway_ProbeTokenRequired(t *testing.T) {
	secret := "probe-secret-that-is-long-enough!!"
	cfg := testConfig(t)
	cfg.Auth.ProbeSecret = secret
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	runGateway(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hello := bridge.Hello{InstanceID: "probe-1"}

	anon, err := bridge.Dial(ctx, cfg.Server.BridgeAddr)
	require.NoError(t, err)
	defer anon.Close()
	// The gateway answers with an err frame and hangs up; either may win.
	assert.Error(t, anon.Connect(ctx, hello, ""))

	verifier, err := auth.NewJWTVerifier([]byte(secret), auth.PrincipalProbe)
	require.NoError(t, err)
	token, err := verifier.Generate("probe-1", time.Hour)
	require.NoError(t, err)

	signed, err := bridge.Dial(ctx, cfg.Server.BridgeAddr)
	require.NoError(t, err)
	defer signed.Close()
	require.NoError(t, signed.Connect(ctx, hello, token))
	assert.Equal(t, int64(1), gw.tracker.ConnectedCount(), fmt.Sprintf("probes: %v", gw.tracker.List()))
}
