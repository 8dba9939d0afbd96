// ABOUTME: Live-set entries: the stored instrument plus its bookkeeping record
// ABOUTME: Counters and timestamps live outside the instrument and are rendered into meta on snapshot

package live

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/2389/probe-gateway/internal/instrument"
)

// Synthetic meta keys rendered on snapshots. Callers cannot set them.
const (
	MetaCreatedAt  = "created_at"
	MetaCreatedBy  = "created_by"
	MetaAppliedAt  = "applied_at"
	MetaHitCount   = "hit_count"
	MetaFirstHitAt = "first_hit_at"
	MetaLastHitAt  = "last_hit_at"
)

var reservedMeta = []string{MetaCreatedAt, MetaCreatedBy, MetaAppliedAt, MetaHitCount, MetaFirstHitAt, MetaLastHitAt}

// stats is the bookkeeping record for one instrument. Times are epoch millis,
// zero meaning unset.
type stats struct {
	createdAt  int64
	createdBy  string
	appliedAt  atomic.Int64
	hits       atomic.Int64
	firstHitAt atomic.Int64
	lastHitAt  atomic.Int64
}

// recordHit bumps the counter. Exactly one caller observes the 0 to 1
// transition and stamps first_hit_at. last_hit_at only moves forward.
func (s *stats) recordHit(nowMillis int64) int64 {
	n := s.hits.Add(1)
	if n == 1 {
		s.firstHitAt.Store(nowMillis)
	}
	for {
		cur := s.lastHitAt.Load()
		if cur >= nowMillis || s.lastHitAt.CompareAndSwap(cur, nowMillis) {
			break
		}
	}
	return n
}

// entry is one member of the live set. inst is never mutated in place; a
// state change swaps in a new copy under the controller lock.
type entry struct {
	owner string
	inst  *instrument.Instrument
	stats *stats
}

// snapshot renders a caller-owned copy with bookkeeping folded into meta.
func (e *entry) snapshot() *instrument.Instrument {
	c := e.inst.Clone()
	setMillis := func(key string, v int64) {
		if v != 0 {
			c.Meta.Set(key, strconv.FormatInt(v, 10))
		}
	}
	setMillis(MetaCreatedAt, e.stats.createdAt)
	if e.stats.createdBy != "" {
		c.Meta.Set(MetaCreatedBy, e.stats.createdBy)
	}
	setMillis(MetaAppliedAt, e.stats.appliedAt.Load())
	if n := e.stats.hits.Load(); n > 0 {
		c.Meta.Set(MetaHitCount, strconv.FormatInt(n, 10))
	}
	setMillis(MetaFirstHitAt, e.stats.firstHitAt.Load())
	setMillis(MetaLastHitAt, e.stats.lastHitAt.Load())
	return c
}

func (e *entry) developerInstrument() instrument.DeveloperInstrument {
	return instrument.DeveloperInstrument{OwnerID: e.owner, Instrument: *e.snapshot()}
}

func millis(t time.Time) int64 { return t.UnixMilli() }

// RemovedPayload is the body of a REMOVED event.
type RemovedPayload struct {
	Instrument *instrument.Instrument `json:"instrument"`
	OccurredAt time.Time              `json:"occurred_at"`
	Cause      string                 `json:"cause,omitempty"`
	ProbeID    string                 `json:"probe_id,omitempty"`
}

// HitPayload is the body of a HIT event.
type HitPayload struct {
	InstrumentID string          `json:"instrument_id"`
	ProbeID      string          `json:"probe_id"`
	HitCount     int64           `json:"hit_count"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Data         json.RawMessage `json:"data,omitempty"`
}
