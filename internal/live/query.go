// ABOUTME: Read-only views over the live set
// ABOUTME: Every result is a snapshot with bookkeeping rendered into meta

package live

import (
	"sort"

	"github.com/2389/probe-gateway/internal/instrument"
)

// Get returns one instrument.
func (c *Controller) Get(id string) (*instrument.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.live[id]
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// GetOwned returns one instrument with its owner.
func (c *Controller) GetOwned(id string) (instrument.DeveloperInstrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.live[id]
	if !ok {
		return instrument.DeveloperInstrument{}, false
	}
	return e.developerInstrument(), true
}

// GetMany returns the instruments that exist among ids, in request order.
func (c *Controller) GetMany(ids []string) []*instrument.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*instrument.Instrument, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.live[id]; ok {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// Filter narrows List.
type Filter struct {
	Kind        instrument.Kind
	AppliedOnly bool
	Owner       string
}

func (f Filter) match(e *entry) bool {
	if f.Kind != "" && e.inst.Kind != f.Kind {
		return false
	}
	if f.AppliedOnly && !e.inst.Applied {
		return false
	}
	if f.Owner != "" && e.owner != f.Owner {
		return false
	}
	return true
}

// List returns matching instruments ordered by creation time, then id.
func (c *Controller) List(f Filter) []instrument.DeveloperInstrument {
	c.mu.RLock()
	var picked []*entry
	for _, e := range c.live {
		if f.match(e) {
			picked = append(picked, e)
		}
	}
	sort.Slice(picked, func(i, j int) bool {
		a, b := picked[i], picked[j]
		if a.stats.createdAt != b.stats.createdAt {
			return a.stats.createdAt < b.stats.createdAt
		}
		return a.inst.ID < b.inst.ID
	})
	out := make([]instrument.DeveloperInstrument, len(picked))
	for i, e := range picked {
		out[i] = e.developerInstrument()
	}
	c.mu.RUnlock()
	return out
}

// Count returns the size of the live set.
func (c *Controller) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.live)
}
