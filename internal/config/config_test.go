// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  bridge_addr: "0.0.0.0:5455"
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./test.db"
  retention: "24h"

bridge:
  inbound: ['platform\.status\..+']
  outbound: ['probe\.command\..+']
  max_frame_size: 65536
  send_queue_size: 32

instruments:
  expiry_sweep_interval: "500ms"
  apply_timeout: "5s"
  applied_expiry_grace: "1m"

idempotency:
  ttl: "2m"
  max_entries: 50

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.BridgeAddr != "0.0.0.0:5455" {
		t.Errorf("Server.BridgeAddr = %q", cfg.Server.BridgeAddr)
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q", cfg.Server.GRPCAddr)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Database.Retention != 24*time.Hour {
		t.Errorf("Database.Retention = %v", cfg.Database.Retention)
	}
	if len(cfg.Bridge.Inbound) != 1 || cfg.Bridge.Inbound[0] != `platform\.status\..+` {
		t.Errorf("Bridge.Inbound = %v", cfg.Bridge.Inbound)
	}
	if cfg.Bridge.MaxFrameSize != 65536 || cfg.Bridge.SendQueueSize != 32 {
		t.Errorf("Bridge sizes = %d/%d", cfg.Bridge.MaxFrameSize, cfg.Bridge.SendQueueSize)
	}
	if cfg.Instruments.ExpirySweepInterval != 500*time.Millisecond {
		t.Errorf("ExpirySweepInterval = %v", cfg.Instruments.ExpirySweepInterval)
	}
	if cfg.Instruments.ApplyTimeout != 5*time.Second {
		t.Errorf("ApplyTimeout = %v", cfg.Instruments.ApplyTimeout)
	}
	if cfg.Instruments.AppliedExpiryGrace != time.Minute {
		t.Errorf("AppliedExpiryGrace = %v", cfg.Instruments.AppliedExpiryGrace)
	}
	if cfg.Idempotency.TTL != 2*time.Minute || cfg.Idempotency.MaxEntries != 50 {
		t.Errorf("Idempotency = %+v", cfg.Idempotency)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  bridge_addr: ":5455"
  http_addr: ":8080"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Instruments.ExpirySweepInterval != time.Second {
		t.Errorf("ExpirySweepInterval = %v, want 1s", cfg.Instruments.ExpirySweepInterval)
	}
	if cfg.Instruments.ApplyTimeout != 30*time.Second {
		t.Errorf("ApplyTimeout = %v, want 30s", cfg.Instruments.ApplyTimeout)
	}
	if cfg.Instruments.AppliedExpiryGrace != 0 {
		t.Errorf("AppliedExpiryGrace = %v, want 0", cfg.Instruments.AppliedExpiryGrace)
	}
	if cfg.Idempotency.TTL != 10*time.Minute || cfg.Idempotency.MaxEntries != 10000 {
		t.Errorf("Idempotency = %+v", cfg.Idempotency)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Database.Path != "" {
		t.Errorf("Database.Path = %q, want empty (ledger disabled)", cfg.Database.Path)
	}
	if cfg.Server.GRPCAddr != "" {
		t.Errorf("Server.GRPCAddr = %q, want empty", cfg.Server.GRPCAddr)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "jwt-secret-from-env-0123456789abcdef")
	t.Setenv("TEST_DB_PATH", "/tmp/ledger.db")

	cfg, err := Load(writeConfig(t, `
server:
  bridge_addr: ":5455"
  http_addr: ":8080"
database:
  path: "${TEST_DB_PATH}"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
  probe_secret: "${UNSET_PROBE_SECRET_FOR_TEST}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "jwt-secret-from-env-0123456789abcdef" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.ProbeSecret != "" {
		t.Errorf("Auth.ProbeSecret = %q, want empty", cfg.Auth.ProbeSecret)
	}
	if cfg.Database.Path != "/tmp/ledger.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  bridge_addr: [unclosed\n"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func TestLoad_Invalid(t *testing.T) {
	const addrs = "server:\n  bridge_addr: \":5455\"\n  http_addr: \":8080\"\n"

	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name:          "missing bridge_addr",
			configContent: "server:\n  http_addr: \":8080\"\n",
			wantErrSubstr: "server.bridge_addr is required",
		},
		{
			name:          "missing http_addr",
			configContent: "server:\n  bridge_addr: \":5455\"\n",
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name:          "short jwt secret",
			configContent: addrs + "auth:\n  jwt_secret: short\n",
			wantErrSubstr: "auth.jwt_secret must be at least 32 bytes",
		},
		{
			name:          "short probe secret",
			configContent: addrs + "auth:\n  probe_secret: short\n",
			wantErrSubstr: "auth.probe_secret must be at least 32 bytes",
		},
		{
			name:          "bad pattern",
			configContent: addrs + "bridge:\n  inbound: ['probe\\.(']\n",
			wantErrSubstr: "bridge address pattern",
		},
		{
			name:          "bad duration",
			configContent: addrs + "instruments:\n  apply_timeout: soon\n",
			wantErrSubstr: "parsing instruments.apply_timeout",
		},
		{
			name:          "negative grace",
			configContent: addrs + "instruments:\n  applied_expiry_grace: -1s\n",
			wantErrSubstr: "applied_expiry_grace must not be negative",
		},
		{
			name:          "bad log level",
			configContent: addrs + "logging:\n  level: loud\n",
			wantErrSubstr: "logging.level",
		},
		{
			name:          "bad log format",
			configContent: addrs + "logging:\n  format: xml\n",
			wantErrSubstr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.configContent))
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR_A", "alpha")
	t.Setenv("TEST_VAR_B", "beta")

	tests := []struct {
		input string
		want  string
	}{
		{"no vars here", "no vars here"},
		{"${TEST_VAR_A}", "alpha"},
		{"${TEST_VAR_A}-${TEST_VAR_B}", "alpha-beta"},
		{"prefix ${TEST_VAR_UNSET_XYZ} suffix", "prefix  suffix"},
		{"$TEST_VAR_A stays", "$TEST_VAR_A stays"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDefault_RoundTrip(t *testing.T) {
	data, err := Marshal(Default())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Default()) error = %v\n%s", err, data)
	}
	if cfg.Server.BridgeAddr != Default().Server.BridgeAddr {
		t.Errorf("BridgeAddr = %q", cfg.Server.BridgeAddr)
	}
	if cfg.Database.Retention != 168*time.Hour {
		t.Errorf("Retention = %v", cfg.Database.Retention)
	}
	if !strings.Contains(string(data), "expiry_sweep_interval: 1s") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := Path(""); got != "config.yaml" {
		t.Errorf("Path() = %q", got)
	}
	t.Setenv(EnvConfigPath, "/etc/pg.yaml")
	if got := Path(""); got != "/etc/pg.yaml" {
		t.Errorf("Path() = %q", got)
	}
	if got := Path("explicit.yaml"); got != "explicit.yaml" {
		t.Errorf("Path() = %q", got)
	}
}
