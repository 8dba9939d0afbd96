// ABOUTME: Lock-free connected-probe counters readable from any goroutine
// ABOUTME: One global counter plus one per registered capability

package probe

import (
	"sync"
	"sync/atomic"
)

// Counters tracks how many probes are connected and how many serve each
// capability. Reads never block on the tracker's lock.
type Counters struct {
	connected atomic.Int64

	mu      sync.RWMutex
	remotes map[string]*atomic.Int64
}

func newCounters() *Counters {
	return &Counters{remotes: make(map[string]*atomic.Int64)}
}

// Connected returns the number of connected probes.
func (c *Counters) Connected() int64 {
	return c.connected.Load()
}

// Remote returns the number of probes registered for a capability.
func (c *Counters) Remote(remote string) int64 {
	c.mu.RLock()
	n, ok := c.remotes[remote]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return n.Load()
}

// Remotes returns a copy of every non-zero capability count.
func (c *Counters) Remotes() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.remotes))
	for r, n := range c.remotes {
		if v := n.Load(); v > 0 {
			out[r] = v
		}
	}
	return out
}

func (c *Counters) remote(remote string) *atomic.Int64 {
	c.mu.RLock()
	n, ok := c.remotes[remote]
	c.mu.RUnlock()
	if ok {
		return n
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok = c.remotes[remote]; !ok {
		n = new(atomic.Int64)
		c.remotes[remote] = n
	}
	return n
}
