// Package gateway orchestrates the probe-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of probe-gateway. It owns
// and wires every component: the probe bridge, the probe tracker, the live
// instrument controller, the event bus, the SQLite event ledger, the
// idempotency cache, the HTTP API and the gRPC health server.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config     *config.Config
//	    tracker    *probe.Tracker
//	    bus        *events.Bus
//	    ledger     *ledger
//	    controller *live.Controller
//	    service    *service.Service
//	    store      store.Store
//	    dedupe     *dedupe.Cache
//	    bridge     *bridge.Server
//	    httpServer *http.Server
//	    grpcServer *grpc.Server
//	    health     *health.Server
//	    // ...
//	}
//
// # Wiring
//
// The controller publishes through the ledger, which forwards every event to
// the bus and queues it for the store:
//
//	controller -> ledger -> bus   -> SSE subscribers
//	                     -> queue -> store.SaveEvent
//
// The tracker carries two hook sets: the controller's catch-up hook, which
// sends pending and applied instruments to a probe that just registered a
// capability, and the health hook, which flips the capability's gRPC serving
// status.
//
// The bridge hands every connected probe's status frames to a statusRouter:
//
//	platform.status.probe-connected       -> tracker.Connect
//	probe.status.live-instrument-applied  -> controller.HandleApplied
//	probe.status.live-instrument-removed  -> controller.HandleRemoved
//	probe.status.live-instrument-hit      -> controller.HandleHit
//	register / unregister                 -> tracker.RegisterRemote / UnregisterRemote
//	socket close                          -> tracker.Disconnect
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go and stream.go:
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 once at least one probe is connected
//   - GET /api/probes - Connected probes and per-capability counts
//   - GET /api/instruments[?kind=] - Live instruments
//   - POST /api/instruments - Add an instrument (honours Idempotency-Key)
//   - POST /api/instruments/batch - Add several instruments
//   - POST /api/instruments/lookup - Fetch instruments by id
//   - GET /api/instruments/{id} - One instrument
//   - DELETE /api/instruments/{id} - Remove one instrument
//   - DELETE /api/instruments?source=&line=&kind= - Remove by location
//   - POST /api/instruments/clear[?all=true|owner=] - Clear instruments
//   - GET /api/instruments/{id}/history - Ledger events for an instrument
//   - GET /api/events[?instrument_id=] - SSE feed
//
// API routes use JWT bearer auth when auth.jwt_secret is set. Without it the
// developer id comes from the X-Developer-Id header.
//
// # Error Mapping
//
//	ErrMissingIdentity              401
//	ErrForbidden, PermissionDenied  403
//	ErrInstrumentNotFound           404
//	ErrDuplicateInstrument          409
//	ErrRemovedBeforeApply           410
//	EvaluationError                 422
//	MissingRemoteError              503
//	apply timeout                   504
//
// # gRPC Health
//
// When server.grpc_addr is set the gateway serves grpc.health.v1. The empty
// service name reports the gateway itself; each capability address (for
// example probe.command.live-breakpoint) is SERVING while at least one probe
// has registered it.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled or a server fails
//
// Run starts the listeners, the controller's expiry sweep, the ledger writer
// and the retention pruner under one errgroup. Shutdown stops the HTTP
// server, the gRPC server and the bridge, flushes the ledger queue and
// closes the store. It is safe to call more than once.
package gateway
