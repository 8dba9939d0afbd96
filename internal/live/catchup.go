// ABOUTME: Pushes current desired state to a probe when it registers a capability
// ABOUTME: Late or reconnecting probes converge without callers re-issuing commands

package live

import (
	"context"

	"github.com/2389/probe-gateway/internal/instrument"
	"github.com/2389/probe-gateway/internal/probe"
)

// CatchUp sends every pending or applied instrument of the capability's kind
// that matches the probe's location metadata. It is fire and forget and
// returns how many commands were queued.
func (c *Controller) CatchUp(ctx context.Context, p probe.Info, remote string) int {
	kind, ok := instrument.KindForRemote(remote)
	if !ok {
		return 0
	}
	target, ok := c.probes.Target(p.ID, remote)
	if !ok {
		return 0
	}

	c.mu.RLock()
	var pending []*instrument.Instrument
	for _, e := range c.live {
		if e.inst.Kind != kind || !p.Matches(e.inst.Location) {
			continue
		}
		pending = append(pending, e.inst.Clone())
	}
	c.mu.RUnlock()

	sent := 0
	for _, inst := range pending {
		if err := target.Sender.Send(ctx, remote, instrument.AddCommand(inst)); err != nil {
			c.logger.Warn("catch-up command not delivered",
				"probe_id", p.ID,
				"instrument_id", inst.ID,
				"error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		c.logger.Info("caught up probe", "probe_id", p.ID, "remote", remote, "instruments", sent)
	}
	return sent
}

// Hooks returns tracker hooks that trigger catch-up on registration.
func (c *Controller) Hooks() probe.Hooks {
	return probe.Hooks{
		RemoteRegistered: func(p probe.Info, remote string) {
			c.CatchUp(context.Background(), p, remote)
		},
	}
}
