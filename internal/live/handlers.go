// ABOUTME: Applies probe status reports (applied, removed, hit) to the live set
// ABOUTME: Duplicate reports are no-ops; malformed causes are rejected before any state change

package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/probe-gateway/internal/events"
	"github.com/2389/probe-gateway/internal/instrument"
)

// Removal is a probe's report that it dropped an instrument.
type Removal struct {
	ID         string
	ProbeID    string
	OccurredAt time.Time
	Cause      string
}

// Hit is a probe's report that an instrument fired.
type Hit struct {
	ID         string
	ProbeID    string
	OccurredAt time.Time
	Data       json.RawMessage
}

// HandleApplied moves an instrument from pending to applied. Only the first
// report publishes APPLIED and resolves a waiting caller. A report for an
// instrument the controller no longer holds is answered with a REMOVE to
// that probe so it does not keep stale instrumentation.
func (c *Controller) HandleApplied(ctx context.Context, probeID string, reported *instrument.Instrument) error {
	if reported == nil || reported.ID == "" {
		return fmt.Errorf("%w: applied report without id", instrument.ErrInvalidPayload)
	}

	c.mu.Lock()
	e, ok := c.live[reported.ID]
	if !ok {
		c.mu.Unlock()
		c.rejectUnknown(ctx, probeID, reported)
		return nil
	}
	if e.inst.Applied {
		c.mu.Unlock()
		c.logger.Debug("duplicate applied report", "instrument_id", reported.ID, "probe_id", probeID)
		return nil
	}
	next := e.inst.Clone()
	next.Applied = true
	next.Pending = false
	e.inst = next
	e.stats.appliedAt.Store(millis(c.clock.Now()))
	snap := e.snapshot()
	c.mu.Unlock()

	c.logger.Info("instrument applied", "instrument_id", snap.ID, "kind", snap.Kind, "probe_id", probeID)
	c.resolve(snap.ID, outcome{inst: snap})
	c.publish(events.TypeApplied, snap.Kind, snap.ID, snap)
	return nil
}

func (c *Controller) rejectUnknown(ctx context.Context, probeID string, reported *instrument.Instrument) {
	c.logger.Info("applied report for unknown instrument, asking probe to drop it",
		"instrument_id", reported.ID, "probe_id", probeID)
	if !reported.Kind.Valid() {
		return
	}
	target, ok := c.probes.Target(probeID, reported.Kind.Remote())
	if !ok {
		return
	}
	if err := target.Sender.Send(ctx, reported.Kind.Remote(), instrument.RemoveCommand(reported)); err != nil {
		c.logger.Warn("failed to send stale remove", "probe_id", probeID, "error", err)
	}
}

// HandleRemoved purges an instrument a probe dropped, for example after its
// hit limit or a failed condition. The cause is decoded before anything
// changes; a malformed cause returns an error wrapping
// instrument.ErrMalformedCause and leaves the live set untouched.
func (c *Controller) HandleRemoved(ctx context.Context, r Removal) error {
	if r.ID == "" {
		return fmt.Errorf("%w: removed report without id", instrument.ErrInvalidPayload)
	}
	var cause error
	if r.Cause != "" {
		parsed, err := instrument.ParseCause(r.Cause)
		if err != nil {
			return fmt.Errorf("removal of %s: %w", r.ID, err)
		}
		cause = parsed
	}

	e := c.take(r.ID)
	if e == nil {
		c.logger.Debug("removed report for unknown instrument", "instrument_id", r.ID, "probe_id", r.ProbeID)
		return nil
	}
	snap := e.snapshot()

	// Other probes may still hold it. The reporter has already dropped it.
	c.dispatchExcept(ctx, snap.Kind.Remote(), snap.Location, instrument.RemoveCommand(snap), r.ProbeID)

	at := r.OccurredAt
	if at.IsZero() {
		at = c.clock.Now()
	}
	c.finishRemoval(snap, at, cause, r.Cause, r.ProbeID)

	c.logger.Info("instrument removed by probe",
		"instrument_id", r.ID,
		"probe_id", r.ProbeID,
		"cause", r.Cause)
	return nil
}

// HandleHit counts a hit and republishes it. Hits never change the pending
// or applied flags.
func (c *Controller) HandleHit(h Hit) error {
	c.mu.RLock()
	e, ok := c.live[h.ID]
	var kind instrument.Kind
	if ok {
		kind = e.inst.Kind
	}
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstrumentNotFound, h.ID)
	}

	now := c.clock.Now()
	n := e.stats.recordHit(millis(now))

	at := h.OccurredAt
	if at.IsZero() {
		at = now
	}
	c.publish(events.TypeHit, kind, h.ID, HitPayload{
		InstrumentID: h.ID,
		ProbeID:      h.ProbeID,
		HitCount:     n,
		OccurredAt:   at,
		Data:         h.Data,
	})
	return nil
}
