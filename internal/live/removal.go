// ABOUTME: Removal paths for live instruments: by id, by location, by owner and on probe report
// ABOUTME: Every path deletes from the live set exactly once before notifying anyone

package live

import (
	"context"
	"errors"
	"time"

	"github.com/2389/probe-gateway/internal/events"
	"github.com/2389/probe-gateway/internal/instrument"
)

// take removes id from the live set and returns its entry. Only the caller
// that gets a non-nil entry may announce the removal.
func (c *Controller) take(id string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live[id]
	if !ok {
		return nil
	}
	delete(c.live, id)
	return e
}

// Remove deletes an instrument and tells matching probes to drop it.
// A second call for the same id returns ErrInstrumentNotFound.
func (c *Controller) Remove(ctx context.Context, id string) (*instrument.Instrument, error) {
	e := c.take(id)
	if e == nil {
		return nil, ErrInstrumentNotFound
	}
	snap := e.snapshot()
	c.dispatch(ctx, snap.Kind.Remote(), snap.Location, instrument.RemoveCommand(snap))
	c.finishRemoval(snap, c.clock.Now(), nil, "", "")

	c.logger.Info("instrument removed", "instrument_id", id, "kind", snap.Kind)
	return snap, nil
}

// RemoveByLocation deletes every instrument whose location equals loc
// exactly. kind narrows the match; "" matches every kind.
func (c *Controller) RemoveByLocation(ctx context.Context, loc instrument.Location, kind instrument.Kind) []*instrument.Instrument {
	c.mu.Lock()
	var taken []*entry
	for id, e := range c.live {
		if e.inst.Location != loc {
			continue
		}
		if kind != "" && e.inst.Kind != kind {
			continue
		}
		delete(c.live, id)
		taken = append(taken, e)
	}
	c.mu.Unlock()

	if len(taken) == 0 {
		return nil
	}

	kinds := make(map[instrument.Kind]bool)
	removed := make([]*instrument.Instrument, 0, len(taken))
	now := c.clock.Now()
	for _, e := range taken {
		snap := e.snapshot()
		kinds[snap.Kind] = true
		c.finishRemoval(snap, now, nil, "", "")
		removed = append(removed, snap)
	}
	for _, k := range instrument.Kinds {
		if kinds[k] {
			c.dispatch(ctx, k.Remote(), loc, instrument.RemoveLocationCommand(loc))
		}
	}

	c.logger.Info("instruments removed by location", "location", loc.String(), "count", len(removed))
	return removed
}

// Clear removes every instrument owned by owner, or every instrument when
// owner is empty. It returns how many were removed.
func (c *Controller) Clear(ctx context.Context, owner string) int {
	c.mu.RLock()
	var ids []string
	for id, e := range c.live {
		if owner == "" || e.owner == owner {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if _, err := c.Remove(ctx, id); err == nil {
			n++
		}
	}
	c.logger.Info("instruments cleared", "owner", owner, "count", n)
	return n
}

// finishRemoval settles the correlation entry and publishes REMOVED. An
// apply-immediately caller waiting on an instrument removed with a cause
// receives the cause as its error instead of a REMOVED event.
func (c *Controller) finishRemoval(snap *instrument.Instrument, at time.Time, cause error, causeText, probeID string) {
	if cause != nil {
		if c.resolve(snap.ID, outcome{err: cause}) {
			return
		}
	} else {
		c.resolve(snap.ID, outcome{err: ErrRemovedBeforeApply})
	}
	c.publishRemoved(snap, at, causeText, probeID)
}

func (c *Controller) publishRemoved(snap *instrument.Instrument, at time.Time, cause, probeID string) {
	c.publish(events.TypeRemoved, snap.Kind, snap.ID, RemovedPayload{
		Instrument: snap,
		OccurredAt: at,
		Cause:      cause,
		ProbeID:    probeID,
	})
}

// IsNotFound reports whether err means the instrument is not live.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInstrumentNotFound)
}
