// ABOUTME: Tracks connected probes, their metadata and registered capabilities
// ABOUTME: Resolves which probes a command should reach and notifies hooks on changes

package probe

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/probe-gateway/internal/instrument"
)

// ErrProbeAlreadyConnected indicates a probe with the same ID is already connected.
var ErrProbeAlreadyConnected = errors.New("probe already connected")

// ErrProbeNotFound indicates the specified probe is not connected.
var ErrProbeNotFound = errors.New("probe not found")

// Metadata keys matched against instrument locations.
const (
	MetaService         = "service"
	MetaServiceInstance = "service_instance"
)

// Sender delivers a command body on one of a probe's capability sub-channels.
type Sender interface {
	Send(ctx context.Context, remote string, body any) error
}

// Info is a read-only snapshot of a connected probe.
type Info struct {
	ID          string            `json:"id"`
	ConnectedAt time.Time         `json:"connected_at"`
	Meta        map[string]string `json:"meta"`
	Remotes     []string          `json:"remotes"`
}

// Matches reports whether the probe falls inside the location's filter.
func (i Info) Matches(loc instrument.Location) bool {
	return loc.Matches(i.Meta[MetaService], i.Meta[MetaServiceInstance])
}

// Target is a probe selected for a dispatch.
type Target struct {
	ID     string
	Sender Sender
}

// Hooks are invoked after the tracker's state has changed, outside its lock.
// Nil fields are skipped.
type Hooks struct {
	Connected          func(Info)
	Disconnected       func(Info)
	RemoteRegistered   func(p Info, remote string)
	RemoteUnregistered func(p Info, remote string)
}

type entry struct {
	id          string
	connectedAt time.Time
	meta        map[string]string
	remotes     map[string]struct{}
	sender      Sender
}

func (e *entry) info() Info {
	meta := make(map[string]string, len(e.meta))
	for k, v := range e.meta {
		meta[k] = v
	}
	remotes := make([]string, 0, len(e.remotes))
	for r := range e.remotes {
		remotes = append(remotes, r)
	}
	sort.Strings(remotes)
	return Info{ID: e.id, ConnectedAt: e.connectedAt, Meta: meta, Remotes: remotes}
}

// Tracker owns connection and capability state for every probe.
type Tracker struct {
	mu       sync.RWMutex
	probes   map[string]*entry
	counters *Counters
	hooks    []Hooks
	logger   *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		probes:   make(map[string]*entry),
		counters: newCounters(),
		logger:   logger.With("component", "probes"),
	}
}

// AddHooks subscribes to tracker changes. Call before traffic starts.
func (t *Tracker) AddHooks(h Hooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, h)
}

func (t *Tracker) hookList() []Hooks {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Hooks(nil), t.hooks...)
}

// Connect starts tracking a probe.
// Returns ErrProbeAlreadyConnected if the id is taken.
func (t *Tracker) Connect(id string, meta map[string]string, connectedAt time.Time, sender Sender) error {
	e := &entry{
		id:          id,
		connectedAt: connectedAt,
		meta:        make(map[string]string, len(meta)),
		remotes:     make(map[string]struct{}),
		sender:      sender,
	}
	for k, v := range meta {
		e.meta[k] = v
	}

	t.mu.Lock()
	if _, exists := t.probes[id]; exists {
		t.mu.Unlock()
		return ErrProbeAlreadyConnected
	}
	t.probes[id] = e
	info := e.info()
	t.mu.Unlock()

	n := t.counters.connected.Add(1)
	t.logger.Info("=== PROBE CONNECTED ===",
		"probe_id", id,
		"service", meta[MetaService],
		"service_instance", meta[MetaServiceInstance],
		"total_probes", n,
	)

	for _, h := range t.hookList() {
		if h.Connected != nil {
			h.Connected(info)
		}
	}
	return nil
}

// Disconnect stops tracking a probe and releases its capability counts.
func (t *Tracker) Disconnect(id string) (Info, bool) {
	t.mu.Lock()
	e, exists := t.probes[id]
	if !exists {
		t.mu.Unlock()
		return Info{}, false
	}
	delete(t.probes, id)
	info := e.info()
	for r := range e.remotes {
		t.counters.remote(r).Add(-1)
	}
	t.mu.Unlock()

	n := t.counters.connected.Add(-1)
	t.logger.Info("=== PROBE DISCONNECTED ===",
		"probe_id", id,
		"connected_for", time.Since(e.connectedAt).Round(time.Second),
		"total_probes", n,
	)

	for _, h := range t.hookList() {
		if h.Disconnected != nil {
			h.Disconnected(info)
		}
	}
	return info, true
}

// RegisterRemote records that the probe listens on a capability. Hooks see
// the probe with the capability already in place.
func (t *Tracker) RegisterRemote(id, remote string) error {
	t.mu.Lock()
	e, exists := t.probes[id]
	if !exists {
		t.mu.Unlock()
		return ErrProbeNotFound
	}
	if _, dup := e.remotes[remote]; dup {
		t.mu.Unlock()
		return nil
	}
	e.remotes[remote] = struct{}{}
	t.counters.remote(remote).Add(1)
	info := e.info()
	t.mu.Unlock()

	t.logger.Info("probe registered capability", "probe_id", id, "remote", remote)

	for _, h := range t.hookList() {
		if h.RemoteRegistered != nil {
			h.RemoteRegistered(info, remote)
		}
	}
	return nil
}

// UnregisterRemote withdraws a capability.
func (t *Tracker) UnregisterRemote(id, remote string) error {
	t.mu.Lock()
	e, exists := t.probes[id]
	if !exists {
		t.mu.Unlock()
		return ErrProbeNotFound
	}
	if _, ok := e.remotes[remote]; !ok {
		t.mu.Unlock()
		return nil
	}
	delete(e.remotes, remote)
	t.counters.remote(remote).Add(-1)
	info := e.info()
	t.mu.Unlock()

	t.logger.Info("probe withdrew capability", "probe_id", id, "remote", remote)

	for _, h := range t.hookList() {
		if h.RemoteUnregistered != nil {
			h.RemoteUnregistered(info, remote)
		}
	}
	return nil
}

// Get returns a snapshot of one probe.
func (t *Tracker) Get(id string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.probes[id]
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// List returns every connected probe ordered by connection time.
func (t *Tracker) List() []Info {
	t.mu.RLock()
	out := make([]Info, 0, len(t.probes))
	for _, e := range t.probes {
		out = append(out, e.info())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Counters exposes the shared counters.
func (t *Tracker) Counters() *Counters { return t.counters }

// ConnectedCount returns the number of connected probes.
func (t *Tracker) ConnectedCount() int64 { return t.counters.Connected() }

// RemoteCount returns the number of probes serving a capability.
func (t *Tracker) RemoteCount(remote string) int64 { return t.counters.Remote(remote) }

// Targets returns the probes that registered remote and match loc's filter.
func (t *Tracker) Targets(remote string, loc instrument.Location) []Target {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Target
	for _, e := range t.probes {
		if _, ok := e.remotes[remote]; !ok {
			continue
		}
		if !loc.Matches(e.meta[MetaService], e.meta[MetaServiceInstance]) {
			continue
		}
		out = append(out, Target{ID: e.id, Sender: e.sender})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Target returns one probe if it is connected and registered for remote.
func (t *Tracker) Target(id, remote string) (Target, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.probes[id]
	if !ok {
		return Target{}, false
	}
	if _, ok := e.remotes[remote]; !ok {
		return Target{}, false
	}
	return Target{ID: e.id, Sender: e.sender}, true
}
