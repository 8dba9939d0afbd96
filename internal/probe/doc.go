// Package probe tracks the remote probes connected to the gateway.
//
// # Tracker
//
// The Tracker is the single owner of probe state:
//
//	tracker := probe.NewTracker(logger)
//
// Key operations:
//
//   - Connect(id, meta, at, sender): start tracking a probe
//   - Disconnect(id): stop tracking and release its capability counts
//   - RegisterRemote(id, remote): record a capability the probe serves
//   - UnregisterRemote(id, remote): withdraw a capability
//   - Targets(remote, loc): probes serving remote that match a location filter
//   - List() / Get(id): snapshots for the API
//
// Probes are matched against an instrument location by their "service" and
// "service_instance" metadata. A location field that is empty matches any
// probe.
//
// # Counters
//
// Counters holds atomic counts of connected probes and of probes per
// capability. They can be read from any goroutine without touching the
// tracker lock, which is how the live controller decides whether a
// capability is missing entirely and how health checks report readiness.
//
// # Hooks
//
// AddHooks registers callbacks run after a change is committed. The live
// controller hooks RemoteRegistered to push its current desired state to the
// newly registered probe; the gateway hooks it to update gRPC health status.
// Hooks run synchronously on the goroutine that reported the change and
// should not block.
package probe
