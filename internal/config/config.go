// ABOUTME: Configuration loading and parsing for probe-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "PROBE_GATEWAY_CONFIG"

// MinSecretLength matches the shortest HMAC secret auth accepts.
const MinSecretLength = 32

// Config represents the complete probe-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Instruments InstrumentsConfig `yaml:"instruments"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds listener addresses. An empty grpc_addr disables the
// gRPC health endpoint.
type ServerConfig struct {
	BridgeAddr string `yaml:"bridge_addr"`
	HTTPAddr   string `yaml:"http_addr"`
	GRPCAddr   string `yaml:"grpc_addr"`
}

// DatabaseConfig holds the event ledger settings. An empty path disables
// the ledger.
type DatabaseConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"-"`

	RetentionRaw string `yaml:"retention"`
}

// AuthConfig holds token secrets. Without jwt_secret the HTTP API trusts
// the X-Developer-Id header; without probe_secret probes connect unchecked.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	ProbeSecret string `yaml:"probe_secret"`
}

// BridgeConfig holds the probe transport settings.
type BridgeConfig struct {
	Inbound       []string `yaml:"inbound"`
	Outbound      []string `yaml:"outbound"`
	MaxFrameSize  int      `yaml:"max_frame_size"`
	SendQueueSize int      `yaml:"send_queue_size"`
}

// InstrumentsConfig holds controller timing.
type InstrumentsConfig struct {
	ExpirySweepInterval time.Duration `yaml:"-"`
	ApplyTimeout        time.Duration `yaml:"-"`
	AppliedExpiryGrace  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ExpirySweepIntervalRaw string `yaml:"expiry_sweep_interval"`
	ApplyTimeoutRaw        string `yaml:"apply_timeout"`
	AppliedExpiryGraceRaw  string `yaml:"applied_expiry_grace"`
}

// IdempotencyConfig sizes the Idempotency-Key cache.
type IdempotencyConfig struct {
	TTL        time.Duration `yaml:"-"`
	MaxEntries int           `yaml:"max_entries"`

	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			BridgeAddr: "0.0.0.0:5455",
			HTTPAddr:   "0.0.0.0:8080",
			GRPCAddr:   "0.0.0.0:50051",
		},
		Database: DatabaseConfig{
			Path:         "./probe-gateway.db",
			RetentionRaw: "168h",
		},
		Auth: AuthConfig{
			JWTSecret:   "${PROBE_GATEWAY_JWT_SECRET}",
			ProbeSecret: "${PROBE_GATEWAY_PROBE_SECRET}",
		},
		Instruments: InstrumentsConfig{
			ExpirySweepIntervalRaw: "1s",
			ApplyTimeoutRaw:        "30s",
			AppliedExpiryGraceRaw:  "0s",
		},
		Idempotency: IdempotencyConfig{
			TTLRaw:     "10m",
			MaxEntries: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates YAML configuration content.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Path returns the config path to use: explicit if set, then the
// PROBE_GATEWAY_CONFIG environment variable, then ./config.yaml.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return "config.yaml"
}

// Marshal renders cfg as YAML. Durations are written from their raw strings.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Instruments.ExpirySweepInterval == 0 {
		c.Instruments.ExpirySweepInterval = time.Second
	}
	if c.Instruments.ApplyTimeout == 0 {
		c.Instruments.ApplyTimeout = 30 * time.Second
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 10 * time.Minute
	}
	if c.Idempotency.MaxEntries == 0 {
		c.Idempotency.MaxEntries = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.BridgeAddr == "" {
		return fmt.Errorf("server.bridge_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinSecretLength)
	}
	if c.Auth.ProbeSecret != "" && len(c.Auth.ProbeSecret) < MinSecretLength {
		return fmt.Errorf("auth.probe_secret must be at least %d bytes", MinSecretLength)
	}

	for _, p := range append(append([]string(nil), c.Bridge.Inbound...), c.Bridge.Outbound...) {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("bridge address pattern %q: %w", p, err)
		}
	}
	if c.Bridge.MaxFrameSize < 0 {
		return fmt.Errorf("bridge.max_frame_size must not be negative")
	}
	if c.Bridge.SendQueueSize < 0 {
		return fmt.Errorf("bridge.send_queue_size must not be negative")
	}

	if c.Instruments.ExpirySweepInterval < 0 {
		return fmt.Errorf("instruments.expiry_sweep_interval must be positive")
	}
	if c.Instruments.ApplyTimeout < 0 {
		return fmt.Errorf("instruments.apply_timeout must be positive")
	}
	if c.Instruments.AppliedExpiryGrace < 0 {
		return fmt.Errorf("instruments.applied_expiry_grace must not be negative")
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention must not be negative")
	}
	if c.Idempotency.TTL < 0 || c.Idempotency.MaxEntries < 0 {
		return fmt.Errorf("idempotency ttl and max_entries must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.retention", cfg.Database.RetentionRaw, &cfg.Database.Retention},
		{"instruments.expiry_sweep_interval", cfg.Instruments.ExpirySweepIntervalRaw, &cfg.Instruments.ExpirySweepInterval},
		{"instruments.apply_timeout", cfg.Instruments.ApplyTimeoutRaw, &cfg.Instruments.ApplyTimeout},
		{"instruments.applied_expiry_grace", cfg.Instruments.AppliedExpiryGraceRaw, &cfg.Instruments.AppliedExpiryGrace},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
