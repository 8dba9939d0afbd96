// ABOUTME: Live instrument controller: owns the live set and the apply-correlation table
// ABOUTME: Registers instruments, dispatches commands to matching probes and awaits acks on request

package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/probe-gateway/internal/clock"
	"github.com/2389/probe-gateway/internal/events"
	"github.com/2389/probe-gateway/internal/instrument"
	"github.com/2389/probe-gateway/internal/probe"
)

var (
	// ErrInstrumentNotFound indicates the id is not in the live set.
	ErrInstrumentNotFound = errors.New("instrument not found")
	// ErrDuplicateInstrument indicates a caller-supplied id is already live.
	ErrDuplicateInstrument = errors.New("instrument id already registered")
	// ErrRemovedBeforeApply fails an apply-immediately caller whose
	// instrument was removed without a cause before any probe applied it.
	ErrRemovedBeforeApply = errors.New("instrument removed before it was applied")
)

// DefaultSweepInterval is the expiry sweep period.
const DefaultSweepInterval = time.Second

// ProbeDirectory resolves dispatch targets. *probe.Tracker implements it.
type ProbeDirectory interface {
	Targets(remote string, loc instrument.Location) []probe.Target
	Target(id, remote string) (probe.Target, bool)
	RemoteCount(remote string) int64
}

// Publisher receives lifecycle events. *events.Bus implements it.
type Publisher interface {
	Publish(*events.Event)
}

// Config tunes a Controller.
type Config struct {
	// SweepInterval is how often expired pending instruments are purged.
	SweepInterval time.Duration
	// AppliedExpiryGrace, when positive, also purges applied instruments
	// whose expiry passed more than this long ago. Zero leaves applied
	// expiry to the probes.
	AppliedExpiryGrace time.Duration
	Clock              clock.Clock
	Logger             *slog.Logger
}

// DispatchResult reports what happened to one command dispatch. Sends are
// queued per probe; Sent counts successful enqueues, not acknowledgements.
type DispatchResult struct {
	Remote        string
	MissingRemote bool
	Matched       int
	Sent          int
	Failed        []string
}

// Partial reports whether some matched probes could not be sent to.
func (r DispatchResult) Partial() bool {
	return len(r.Failed) > 0 && r.Sent > 0
}

type outcome struct {
	inst *instrument.Instrument
	err  error
}

// Controller is the authoritative registry of live instruments.
type Controller struct {
	mu   sync.RWMutex
	live map[string]*entry

	waitMu  sync.Mutex
	waiting map[string]chan outcome

	probes ProbeDirectory
	bus    Publisher
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger
}

// NewController builds a controller with an empty live set.
func NewController(probes ProbeDirectory, bus Publisher, cfg Config) *Controller {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		live:    make(map[string]*entry),
		waiting: make(map[string]chan outcome),
		probes:  probes,
		bus:     bus,
		clock:   cfg.Clock,
		cfg:     cfg,
		logger:  logger.With("component", "live"),
	}
}

// Add registers an instrument for owner and dispatches it to matching
// probes. Without ApplyImmediately it returns as soon as the instrument is
// pending locally. With ApplyImmediately it blocks until a probe applies or
// rejects it, or ctx ends. When ctx ends first the add is withdrawn. If no
// probe serves the kind at all it fails with *instrument.MissingRemoteError
// and nothing is registered.
func (c *Controller) Add(ctx context.Context, owner string, spec *instrument.Instrument) (*instrument.Instrument, error) {
	inst := spec.Clone()
	inst.ApplyDefaults()
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	for _, k := range reservedMeta {
		inst.Meta.Delete(k)
	}
	inst.Pending = true
	inst.Applied = false

	remote := inst.Kind.Remote()
	immediate := inst.ApplyImmediately
	if immediate && c.probes.RemoteCount(remote) == 0 {
		return nil, &instrument.MissingRemoteError{Remote: remote}
	}

	e := &entry{
		owner: owner,
		inst:  inst,
		stats: &stats{createdAt: millis(c.clock.Now()), createdBy: owner},
	}

	c.mu.Lock()
	if _, exists := c.live[inst.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateInstrument, inst.ID)
	}
	c.live[inst.ID] = e
	snap := e.snapshot()
	c.mu.Unlock()

	var wait chan outcome
	if immediate {
		wait = c.expect(inst.ID)
	}

	c.logger.Info("instrument added",
		"instrument_id", inst.ID,
		"kind", inst.Kind,
		"location", inst.Location.String(),
		"owner", owner,
		"apply_immediately", immediate)
	c.publish(events.TypeAdded, inst.Kind, inst.ID, snap)

	result := c.dispatch(ctx, remote, inst.Location, instrument.AddCommand(inst))
	if result.MissingRemote {
		if !immediate {
			c.logger.Debug("no probe serves kind yet, instrument stays pending",
				"instrument_id", inst.ID, "remote", remote)
			return snap, nil
		}
		// The last probe left between the check above and the dispatch.
		missing := &instrument.MissingRemoteError{Remote: remote}
		c.forget(inst.ID, wait)
		if removed := c.take(inst.ID); removed != nil {
			c.publishRemoved(removed.snapshot(), c.clock.Now(), missing.Error(), "")
		}
		return nil, missing
	}

	if !immediate {
		return snap, nil
	}
	return c.await(ctx, inst.ID, wait)
}

// dispatch sends cmd to every probe serving remote that matches loc.
func (c *Controller) dispatch(ctx context.Context, remote string, loc instrument.Location, cmd instrument.Command) DispatchResult {
	return c.dispatchExcept(ctx, remote, loc, cmd, "")
}

// dispatchExcept is dispatch that skips the probe with id skip.
func (c *Controller) dispatchExcept(ctx context.Context, remote string, loc instrument.Location, cmd instrument.Command, skip string) DispatchResult {
	res := DispatchResult{Remote: remote}
	if c.probes.RemoteCount(remote) == 0 {
		res.MissingRemote = true
		return res
	}

	targets := c.probes.Targets(remote, loc)
	res.Matched = len(targets)
	for _, t := range targets {
		if skip != "" && t.ID == skip {
			continue
		}
		if err := t.Sender.Send(ctx, remote, cmd); err != nil {
			res.Failed = append(res.Failed, t.ID)
			c.logger.Warn("command not delivered",
				"probe_id", t.ID,
				"remote", remote,
				"command", cmd.Type,
				"error", err)
			continue
		}
		res.Sent++
	}

	c.logger.Debug("command dispatched",
		"remote", remote,
		"command", cmd.Type,
		"matched", res.Matched,
		"sent", res.Sent)
	return res
}

// expect creates the correlation entry for an apply-immediately add.
func (c *Controller) expect(id string) chan outcome {
	ch := make(chan outcome, 1)
	c.waitMu.Lock()
	c.waiting[id] = ch
	c.waitMu.Unlock()
	return ch
}

// resolve consumes the correlation entry for id, if any. It returns false
// when nobody was waiting. The entry is deleted under the lock, so each
// entry resolves at most once.
func (c *Controller) resolve(id string, out outcome) bool {
	c.waitMu.Lock()
	ch, ok := c.waiting[id]
	delete(c.waiting, id)
	c.waitMu.Unlock()
	if !ok {
		return false
	}
	ch <- out
	return true
}

// forget drops the correlation entry if it is still ch.
func (c *Controller) forget(id string, ch chan outcome) bool {
	if ch == nil {
		return false
	}
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if cur, ok := c.waiting[id]; ok && cur == ch {
		delete(c.waiting, id)
		return true
	}
	return false
}

func (c *Controller) await(ctx context.Context, id string, ch chan outcome) (*instrument.Instrument, error) {
	select {
	case out := <-ch:
		return out.inst, out.err
	case <-ctx.Done():
		if c.forget(id, ch) {
			c.logger.Info("gave up waiting for apply, rolling back", "instrument_id", id, "error", ctx.Err())
			c.rollback(context.WithoutCancel(ctx), id)
			return nil, ctx.Err()
		}
		// Resolved concurrently; the outcome is already buffered.
		out := <-ch
		return out.inst, out.err
	}
}

// rollback withdraws an apply-immediately add whose caller stopped waiting,
// so no instrument outlives the request that created it.
func (c *Controller) rollback(ctx context.Context, id string) {
	e := c.take(id)
	if e == nil {
		return
	}
	snap := e.snapshot()
	c.dispatch(ctx, snap.Kind.Remote(), snap.Location, instrument.RemoveCommand(snap))
	c.publishRemoved(snap, c.clock.Now(), "", "")
}

// PendingApplies returns the number of open correlation entries.
func (c *Controller) PendingApplies() int {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return len(c.waiting)
}

func (c *Controller) publish(typ events.Type, kind instrument.Kind, id string, payload any) {
	if c.bus == nil {
		return
	}
	ev, err := events.New(typ, kind, id, c.clock.Now(), payload)
	if err != nil {
		c.logger.Error("failed to build event", "event_type", typ, "instrument_id", id, "error", err)
		return
	}
	c.bus.Publish(ev)
}
