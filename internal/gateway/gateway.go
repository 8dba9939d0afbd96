// ABOUTME: Gateway orchestrator that coordinates the bridge, HTTP and gRPC servers
// ABOUTME: Wires tracker, controller, event bus, ledger and idempotency cache together

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/probe-gateway/internal/auth"
	"github.com/2389/probe-gateway/internal/bridge"
	"github.com/2389/probe-gateway/internal/clock"
	"github.com/2389/probe-gateway/internal/config"
	"github.com/2389/probe-gateway/internal/dedupe"
	"github.com/2389/probe-gateway/internal/events"
	"github.com/2389/probe-gateway/internal/live"
	"github.com/2389/probe-gateway/internal/probe"
	"github.com/2389/probe-gateway/internal/service"
	"github.com/2389/probe-gateway/internal/store"
)

// shutdownTimeout bounds graceful shutdown once Run's context ends.
const shutdownTimeout = 5 * time.Second

// Idempotency cache fallbacks for configs built without config.Load.
const (
	defaultIdempotencyTTL = 10 * time.Minute
	defaultIdempotencyMax = 10_000
)

// Gateway orchestrates the probe-gateway server components.
// It owns the probe bridge, the HTTP API and the optional gRPC health server.
type Gateway struct {
	config     *config.Config
	clock      clock.Clock
	tracker    *probe.Tracker
	bus        *events.Bus
	ledger     *ledger
	controller *live.Controller
	service    *service.Service
	store      store.Store // nil when the ledger is disabled
	dedupe     *dedupe.Cache
	bridge     *bridge.Server
	httpServer *http.Server
	grpcServer *grpc.Server // nil when server.grpc_addr is empty
	health     *health.Server
	logger     *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the ledger, or returns nil when database.path is empty.
func initStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Path == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func newIdempotencyCache(cfg config.IdempotencyConfig, clk clock.Clock) *dedupe.Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultIdempotencyMax
	}
	return dedupe.NewWithClock(ttl, maxEntries, clk)
}

// createGRPCServer builds the health-only gRPC server with the same
// keepalive policy probes and load balancers expect from the gateway.
func createGRPCServer(healthServer *health.Server) *grpc.Server {
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(srv, healthServer)
	return srv
}

// registerHTTPAPIRoutes registers API routes on the mux with JWT auth when a
// secret is configured, or header-based anonymous identity otherwise.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) error {
	var middleware func(http.Handler) http.Handler
	if g.config.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret), auth.PrincipalDeveloper)
		if err != nil {
			return fmt.Errorf("creating HTTP JWT verifier: %w", err)
		}
		middleware = auth.HTTPAuthMiddleware(verifier)
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		middleware = auth.AnonymousMiddleware()
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured, trusting " + auth.HeaderDeveloperID)
	}

	for pattern, h := range g.apiRoutes() {
		mux.Handle(pattern, middleware(h))
	}
	return nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return newGateway(cfg, clock.Real(), logger)
}

func newGateway(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	tracker := probe.NewTracker(logger)
	bus := events.NewBus(logger)
	led := newLedger(bus, s, logger.With("component", "ledger"))

	controller := live.NewController(tracker, led, live.Config{
		SweepInterval:      cfg.Instruments.ExpirySweepInterval,
		AppliedExpiryGrace: cfg.Instruments.AppliedExpiryGrace,
		Clock:              clk,
		Logger:             logger,
	})
	svc := service.New(controller, service.Config{
		ApplyTimeout: cfg.Instruments.ApplyTimeout,
		Logger:       logger,
	})

	gw := &Gateway{
		config:     cfg,
		clock:      clk,
		tracker:    tracker,
		bus:        bus,
		ledger:     led,
		controller: controller,
		service:    svc,
		store:      s,
		dedupe:     newIdempotencyCache(cfg.Idempotency, clk),
		health:     health.NewServer(),
		logger:     logger.With("component", "gateway"),
	}

	tracker.AddHooks(controller.Hooks())
	tracker.AddHooks(gw.capabilityHooks())
	gw.initHealthStatus()

	bridgeServer, err := newBridgeServer(cfg, newStatusRouter(tracker, controller, logger), logger)
	if err != nil {
		gw.closeComponents()
		return nil, err
	}
	gw.bridge = bridgeServer

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer = createGRPCServer(gw.health)
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	if err := gw.registerHTTPAPIRoutes(mux); err != nil {
		gw.closeComponents()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// setupTCPListeners creates TCP listeners for HTTP and, when enabled, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"bridge_addr", g.config.Server.BridgeAddr,
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// Run starts every server and background loop and blocks until ctx is
// canceled or one of them fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupTCPListeners()
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	if err := g.bridge.Start(ctx); err != nil {
		_ = httpLn.Close()
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		_ = g.gracefulShutdown()
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error { return g.controller.Run(egCtx) })
	eg.Go(func() error { return g.ledger.run(egCtx) })
	eg.Go(func() error { return g.pruneLedger(egCtx) })

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything that does not need a context.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.health != nil {
		g.health.Shutdown()
	}
	if g.bus != nil {
		g.bus.Close()
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Only the first call does any work.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		if g.httpServer != nil {
			errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		}
		g.shutdownGRPCServer(ctx)
		if g.bridge != nil {
			g.bridge.Stop()
		}
		g.ledger.drain(ctx)
		errs = append(errs, g.closeComponents()...)

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// BridgeAddr returns the bound probe bridge address once Run has started.
func (g *Gateway) BridgeAddr() net.Addr {
	return g.bridge.Addr()
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one probe is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.tracker.ConnectedCount()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no probes connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d probes)", n)
}
