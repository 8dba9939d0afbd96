// ABOUTME: Injectable clock so timers and timestamps can be driven from tests
// ABOUTME: Real() wraps the time package; Fake() advances only when told to

// Package clock abstracts wall-clock reads and tickers. The live controller
// takes a Clock so expiry sweeps and lifecycle timestamps can be tested
// without sleeping.
package clock

import "time"

// Clock is the subset of the time package the gateway depends on.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until stopped. C has capacity 1 and drops ticks
// when the reader falls behind, like time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
