// ABOUTME: Periodic expiry sweep over the live set, driven by the injected clock
// ABOUTME: Purges expired pending instruments and, with a grace period, expired applied ones

package live

import (
	"context"
	"time"

	"github.com/2389/probe-gateway/internal/instrument"
)

// Run sweeps expired instruments every SweepInterval until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	c.logger.Debug("expiry sweep started", "interval", c.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.sweep(ctx); n > 0 {
				c.logger.Info("expired instruments removed", "count", n)
			}
		}
	}
}

// sweep removes every pending instrument whose expiry is at or before now.
// Applied instruments are left to the probes unless AppliedExpiryGrace is set.
func (c *Controller) sweep(ctx context.Context) int {
	now := c.clock.Now()
	nowMillis := millis(now)
	graceMillis := c.cfg.AppliedExpiryGrace.Milliseconds()

	c.mu.RLock()
	var expired []string
	for id, e := range c.live {
		switch {
		case e.inst.Pending && e.inst.Expired(nowMillis):
			expired = append(expired, id)
		case c.cfg.AppliedExpiryGrace > 0 && e.inst.Applied && e.inst.Expired(nowMillis-graceMillis):
			expired = append(expired, id)
		}
	}
	c.mu.RUnlock()

	n := 0
	for _, id := range expired {
		e := c.take(id)
		if e == nil {
			continue
		}
		snap := e.snapshot()
		c.dispatch(ctx, snap.Kind.Remote(), snap.Location, instrument.RemoveCommand(snap))
		c.finishRemoval(snap, now, nil, "", "")
		n++
	}
	return n
}

// ExpiresIn is a convenience for callers building an expiry from a duration.
func ExpiresIn(now time.Time, d time.Duration) int64 {
	return now.Add(d).UnixMilli()
}
