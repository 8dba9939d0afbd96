// ABOUTME: Deterministic clock for tests with manual Advance
// ABOUTME: Tickers fire synchronously while Advance walks forward

package clock

import (
	"sync"
	"time"
)

// FakeClock only moves when Advance or Set is called.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[*fakeTicker]struct{}
	added   *sync.Cond
}

type fakeTicker struct {
	ch     chan time.Time
	period time.Duration
	next   time.Time
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{
		now:     initial,
		tickers: make(map[*fakeTicker]struct{}),
	}
	c.added = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ft := &fakeTicker{ch: make(chan time.Time, 1), period: d, next: c.now.Add(d)}
	c.tickers[ft] = struct{}{}
	c.added.Broadcast()

	return &Ticker{C: ft.ch, stop: func() {
		c.mu.Lock()
		delete(c.tickers, ft)
		c.mu.Unlock()
	}}
}

// Advance moves time forward by d, firing every ticker whose deadline falls
// inside the window. A ticker whose reader is behind drops the tick.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.now.Add(d)
	for ft := range c.tickers {
		for !ft.next.After(target) {
			select {
			case ft.ch <- ft.next:
			default:
			}
			ft.next = ft.next.Add(ft.period)
		}
	}
	c.now = target
}

// Set jumps to t without firing tickers.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// WaitForTickers blocks until at least n tickers are active. Tests use it to
// make sure a background loop has started before advancing time.
func (c *FakeClock) WaitForTickers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.tickers) < n {
		c.added.Wait()
	}
}
