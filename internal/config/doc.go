// Package config handles configuration loading for probe-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Lookup order (see Path):
//
//  1. The --config flag
//  2. Path from PROBE_GATEWAY_CONFIG environment variable
//  3. ./config.yaml (current directory)
//
// `probe-gateway init` writes a starter file from Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PROBE_GATEWAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	instruments:
//	  expiry_sweep_interval: "1s"
//	  apply_timeout: "30s"
//	  applied_expiry_grace: "0s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  bridge_addr: "0.0.0.0:5455"  # Probe connections (framed TCP)
//	  http_addr: "0.0.0.0:8080"    # Developer API and event stream
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health; empty disables it
//
// Event ledger:
//
//	database:
//	  path: "/var/lib/probe-gateway/ledger.db"  # empty disables the ledger
//	  retention: "168h"                          # 0 keeps everything
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${PROBE_GATEWAY_JWT_SECRET}"     # developer tokens
//	  probe_secret: "${PROBE_GATEWAY_PROBE_SECRET}" # probe connect tokens
//
// Bridge:
//
//	bridge:
//	  inbound: ['platform\.status\..+', 'probe\.status\..+']
//	  outbound: ['probe\.command\..+']
//	  max_frame_size: 1048576
//	  send_queue_size: 256
//
// Instruments:
//
//	instruments:
//	  expiry_sweep_interval: "1s"
//	  apply_timeout: "30s"        # bound for apply_immediately adds
//	  applied_expiry_grace: "0s"  # >0 also purges applied instruments
//
// Idempotency keys:
//
//	idempotency:
//	  ttl: "10m"
//	  max_entries: 10000
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Listener addresses for the bridge and HTTP API
//   - Secret minimum length (32 bytes) when a secret is set
//   - Bridge address patterns compile
//   - Duration format validity and sign
//   - Logging level and format values
package config
