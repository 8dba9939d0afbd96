// ABOUTME: Ledger recording of instrument lifecycle events with retention pruning
// ABOUTME: Wraps the event bus so every published event is also queued for SQLite

package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/probe-gateway/internal/events"
	"github.com/2389/probe-gateway/internal/store"
)

const (
	// ledgerQueueSize bounds events waiting to be written. Publishing never
	// blocks the controller; overflow is counted and dropped.
	ledgerQueueSize = 4096

	// ledgerWriteTimeout bounds a single SaveEvent call.
	ledgerWriteTimeout = 5 * time.Second

	// pruneInterval is how often events older than database.retention are deleted.
	pruneInterval = time.Hour
)

// ledger is the controller's publisher: it fans events out on the bus and
// queues them for the store.
type ledger struct {
	bus     *events.Bus
	store   store.Store // nil disables recording
	queue   chan *events.Event
	logger  *slog.Logger
	dropped atomic.Int64

	started atomic.Bool
	done    chan struct{}
}

func newLedger(bus *events.Bus, s store.Store, logger *slog.Logger) *ledger {
	return &ledger{
		bus:    bus,
		store:  s,
		queue:  make(chan *events.Event, ledgerQueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Publish implements live.Publisher.
func (l *ledger) Publish(ev *events.Event) {
	l.bus.Publish(ev)
	if l.store == nil {
		return
	}
	select {
	case l.queue <- ev:
	default:
		n := l.dropped.Add(1)
		l.logger.Warn("ledger queue full, event not recorded",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"instrument_id", ev.InstrumentID,
			"dropped_total", n)
	}
}

// run writes queued events until ctx is canceled. Events still queued at
// that point are flushed by drain.
func (l *ledger) run(ctx context.Context) error {
	l.started.Store(true)
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-l.queue:
			l.record(ev)
		}
	}
}

// drain waits for run to stop, then writes whatever is left in the queue.
func (l *ledger) drain(ctx context.Context) {
	if l.store == nil {
		return
	}
	if l.started.Load() {
		select {
		case <-l.done:
		case <-ctx.Done():
			return
		}
	}
	for {
		select {
		case ev := <-l.queue:
			l.record(ev)
		default:
			return
		}
	}
}

func (l *ledger) record(ev *events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()

	if err := l.store.SaveEvent(ctx, toStoreEvent(ev)); err != nil {
		l.logger.Error("failed to record event",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"instrument_id", ev.InstrumentID,
			"error", err)
	}
}

func toStoreEvent(ev *events.Event) *store.Event {
	return &store.Event{
		ID:           ev.ID,
		InstrumentID: ev.InstrumentID,
		Type:         string(ev.Type),
		Kind:         string(ev.Kind),
		OccurredAt:   ev.OccurredAt,
		Payload:      ev.Payload,
	}
}

// pruneLedger deletes events older than the configured retention once per
// pruneInterval. It returns immediately when there is no ledger or no
// retention limit.
func (g *Gateway) pruneLedger(ctx context.Context) error {
	retention := g.config.Database.Retention
	if g.store == nil || retention <= 0 {
		return nil
	}

	ticker := g.clock.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.pruneOnce(ctx, retention)
		}
	}
}

func (g *Gateway) pruneOnce(ctx context.Context, retention time.Duration) {
	cutoff := g.clock.Now().Add(-retention)
	n, err := g.store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		g.logger.Error("ledger pruning failed", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("pruned ledger events", "count", n, "before", cutoff)
	}
}
