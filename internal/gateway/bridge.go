// ABOUTME: Builds the probe bridge server from configuration
// ABOUTME: Compiles address allow-lists and installs the probe token verifier when configured

package gateway

import (
	"fmt"
	"log/slog"

	"github.com/2389/probe-gateway/internal/auth"
	"github.com/2389/probe-gateway/internal/bridge"
	"github.com/2389/probe-gateway/internal/config"
)

// newBridgeServer creates the probe transport. Probes must present a probe
// token on connect only when auth.probe_secret is set.
func newBridgeServer(cfg *config.Config, handler bridge.Handler, logger *slog.Logger) (*bridge.Server, error) {
	permits, err := bridge.NewPermits(cfg.Bridge.Inbound, cfg.Bridge.Outbound)
	if err != nil {
		return nil, fmt.Errorf("compiling bridge permits: %w", err)
	}

	bcfg := bridge.Config{
		ListenAddr:    cfg.Server.BridgeAddr,
		Permits:       permits,
		MaxFrameSize:  cfg.Bridge.MaxFrameSize,
		SendQueueSize: cfg.Bridge.SendQueueSize,
		Logger:        logger,
	}

	if cfg.Auth.ProbeSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.ProbeSecret), auth.PrincipalProbe)
		if err != nil {
			return nil, fmt.Errorf("creating probe token verifier: %w", err)
		}
		bcfg.Verifier = verifier
		logger.Info("probe token verification enabled")
	} else {
		logger.Warn("probe auth disabled - no probe_secret configured")
	}

	srv, err := bridge.NewServer(bcfg, handler)
	if err != nil {
		return nil, fmt.Errorf("creating bridge server: %w", err)
	}
	return srv, nil
}
