// ABOUTME: Thread-safe TTL cache mapping idempotency keys to the result of the first request.
// ABOUTME: Used by the HTTP API so retried add requests do not create duplicate instruments.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/probe-gateway/internal/clock"
)

// cacheEntry stores the timestamp, result and list element for a cached key.
// An empty value marks a claim whose request is still running.
type cacheEntry struct {
	timestamp time.Time
	value     string
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited map of idempotency
// keys to results. Uses a doubly-linked list to maintain insertion order for
// O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // List of keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	return NewWithClock(ttl, maxSize, clock.Real())
}

// NewWithClock is New with an injected clock.
func NewWithClock(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *Cache) liveLocked(key string) (*cacheEntry, bool) {
	entry, ok := c.entries[key]
	if !ok || c.clock.Now().Sub(entry.timestamp) >= c.ttl {
		return nil, false
	}
	return entry, true
}

// Lookup returns the stored result for key. A claimed key whose request has
// not finished reports ok with an empty value.
func (c *Cache) Lookup(key string) (value string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.liveLocked(key)
	if !ok {
		return "", false
	}
	return entry.value, true
}

// Claim atomically checks key and reserves it if unknown. When found is
// true the key was already claimed or stored and value is its result (empty
// while the first request is still running). When found is false the caller
// owns the key and must call Store or Release.
// This prevents TOCTOU race conditions that could occur with separate Lookup/Store calls.
func (c *Cache) Claim(key string) (value string, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.liveLocked(key); ok {
		return entry.value, true
	}
	c.putLocked(key, "")
	return "", false
}

// Store records the result for key.
func (c *Cache) Store(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// Release drops a claim whose request failed so a retry can run.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Len returns the number of entries, including expired ones not yet cleaned.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// putLocked is the internal store implementation. Must be called with mu held.
func (c *Cache) putLocked(key, value string) {
	now := c.clock.Now()

	// If key already exists, update it and move to back
	if entry, exists := c.entries[key]; exists {
		entry.timestamp = now
		entry.value = value
		c.order.MoveToBack(entry.element)
		return
	}

	// Evict oldest if at capacity
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		timestamp: now,
		value:     value,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := c.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
