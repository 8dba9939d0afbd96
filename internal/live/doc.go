// Package live is the authoritative registry and dispatcher for live
// instruments.
//
// # Overview
//
// The Controller owns two pieces of shared state: the live set (instrument
// id to entry) and the apply-correlation table (instrument id to the channel
// of a caller waiting for a probe to apply it). Nothing else mutates either;
// the bridge and the probe tracker only route.
//
//	ctrl := live.NewController(tracker, bus, live.Config{Logger: logger})
//	tracker.AddHooks(ctrl.Hooks())
//	go ctrl.Run(ctx)
//
// # Lifecycle
//
//	Add            -> pending, ADDED published, ADD dispatched
//	HandleApplied  -> applied, APPLIED published, waiter resolved
//	Remove, RemoveByLocation, Clear, sweep, HandleRemoved
//	               -> removed, REMOVE dispatched, REMOVED published
//	HandleHit      -> hit counters bumped, HIT published
//
// Removal always starts by deleting the id from the live set under the
// lock; whoever wins that delete announces the removal, so duplicate reports
// and repeated removes never publish twice.
//
// # Dispatch
//
// A command goes to every probe that registered the kind's capability and
// whose service metadata matches the instrument location. If no probe has
// registered the capability at all the dispatch reports MissingRemote. An
// apply-immediately add fails in that case and leaves nothing behind; a
// plain add stays pending and is delivered by CatchUp when a probe registers
// the capability later. Sends only enqueue on the probe connection, so
// dispatch never waits on the network.
//
// # Apply Immediately
//
// When the instrument has ApplyImmediately set, Add registers a correlation
// entry before dispatching and blocks until:
//
//   - a probe reports it applied (returns the applied snapshot)
//   - a probe reports it removed with a cause (returns the typed cause)
//   - it is removed without a cause (returns ErrRemovedBeforeApply)
//   - ctx ends (returns ctx.Err() and deletes the correlation entry)
//
// There is no built-in timeout; callers bound the wait with ctx.
//
// # Bookkeeping
//
// Creation, apply and hit timestamps and the hit counter are kept in a
// record beside the instrument, not in its meta. Snapshots render them as
// created_at, created_by, applied_at, hit_count, first_hit_at and
// last_hit_at (epoch millis as strings). The hit counter is atomic and only
// the hit that moves it from 0 to 1 stamps first_hit_at.
//
// # Expiry
//
// Run ticks every SweepInterval (one second by default) and removes pending
// instruments whose expiry has passed. Applied instruments are expired by the
// probe holding them; set AppliedExpiryGrace to also purge applied
// instruments whose probe never reported the removal.
package live
