// ABOUTME: Tests for the idempotency cache.
// ABOUTME: Validates claims, TTL expiration, size limits, eviction, cleanup, and concurrency safety.

package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/probe-gateway/internal/clock"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(start)
	c := NewWithClock(ttl, size, clk)
	t.Cleanup(c.Close)
	return c, clk
}

func TestCache_Lookup_NotSeen(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)

	_, ok := cache.Lookup("never-seen-key")
	assert.False(t, ok)
}

func TestCache_StoreAndLookup(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)

	cache.Store("alice|k1", "bp-1")
	v, ok := cache.Lookup("alice|k1")
	assert.True(t, ok)
	assert.Equal(t, "bp-1", v)
}

func TestCache_Expired(t *testing.T) {
	cache, clk := newTestCache(t, time.Minute, 100)

	cache.Store("k", "v")
	clk.Advance(59 * time.Second)
	_, ok := cache.Lookup("k")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = cache.Lookup("k")
	assert.False(t, ok, "entry expires at exactly ttl")
}

func TestCache_Claim(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute, 100)

	_, found := cache.Claim("k")
	require.False(t, found, "first claim owns the key")

	v, found := cache.Claim("k")
	assert.True(t, found)
	assert.Empty(t, v, "request still in flight")

	cache.Store("k", "bp-9")
	v, found = cache.Claim("k")
	assert.True(t, found)
	assert.Equal(t, "bp-9", v)
}

func TestCache_Release(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute, 100)

	_, found := cache.Claim("k")
	require.False(t, found)
	cache.Release("k")

	_, found = cache.Claim("k")
	assert.False(t, found, "released key can be claimed again")

	cache.Release("never-claimed")
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Claim_Atomic(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)

	const numGoroutines = 100

	var winners int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if _, found := cache.Claim("contested-key"); !found {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners,
		"exactly one goroutine should win the race for Claim")
}

func TestCache_EvictionOrder(t *testing.T) {
	cache, clk := newTestCache(t, 5*time.Minute, 3)

	for _, k := range []string{"first", "second", "third"} {
		cache.Store(k, k)
		clk.Advance(time.Millisecond)
	}

	// Refreshing moves "first" to the back.
	cache.Store("first", "again")
	cache.Store("fourth", "fourth")

	_, ok := cache.Lookup("second")
	assert.False(t, ok, "second should be evicted")
	for _, k := range []string{"first", "third", "fourth"} {
		_, ok := cache.Lookup(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, 3, cache.Len())
}

func TestCache_Cleanup(t *testing.T) {
	cache, clk := newTestCache(t, 30*time.Second, 100)

	cache.Store("old", "v")
	clk.WaitForTickers(1)
	clk.Advance(time.Minute)

	assert.Eventually(t, func() bool { return cache.Len() == 0 }, time.Second, time.Millisecond)
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
