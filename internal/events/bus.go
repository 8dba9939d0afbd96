// ABOUTME: In-memory fan-out of instrument lifecycle and hit events
// ABOUTME: Subscribers take the global feed or a feed scoped to one instrument id

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/probe-gateway/internal/instrument"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// globalKey is the subscription key for the unscoped feed.
const globalKey = ""

// Type is the lifecycle event class.
type Type string

const (
	TypeAdded   Type = "ADDED"
	TypeApplied Type = "APPLIED"
	TypeHit     Type = "HIT"
	TypeRemoved Type = "REMOVED"
)

// scoped reports whether events of this type are also delivered to
// per-instrument feeds. ADDED is global only: nobody can be subscribed to an
// id before the add returns it.
func (t Type) scoped() bool {
	return t == TypeApplied || t == TypeHit || t == TypeRemoved
}

// Event is one entry on the bus.
type Event struct {
	ID           string          `json:"id"`
	Type         Type            `json:"event_type"`
	Kind         instrument.Kind `json:"instrument_kind"`
	InstrumentID string          `json:"instrument_id"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// New builds an event, marshalling payload to JSON.
func New(typ Type, kind instrument.Kind, instrumentID string, at time.Time, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s payload: %w", typ, err)
		}
		raw = data
	}
	return &Event{
		ID:           uuid.New().String(),
		Type:         typ,
		Kind:         kind,
		InstrumentID: instrumentID,
		OccurredAt:   at,
		Payload:      raw,
	}, nil
}

// Bus is a pub/sub hub for instrument events. Sends never block: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // key ("" or instrument id) -> subID -> ch
	logger      *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers for every event on the bus. The subscription ends
// when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *Event, string) {
	return b.subscribe(ctx, globalKey)
}

// SubscribeInstrument registers for APPLIED, HIT and REMOVED events of a
// single instrument.
func (b *Bus) SubscribeInstrument(ctx context.Context, instrumentID string) (<-chan *Event, string) {
	return b.subscribe(ctx, instrumentID)
}

func (b *Bus) subscribe(ctx context.Context, key string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *Event)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "instrument_id", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish delivers the event to the global feed and, for scoped types, to
// subscribers of the event's instrument.
func (b *Bus) Publish(event *Event) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send. Every send is non-blocking.
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(b.subscribers[globalKey], event)
	if event.Type.scoped() && event.InstrumentID != "" {
		b.deliver(b.subscribers[event.InstrumentID], event)
	}
}

func (b *Bus) deliver(subs map[string]chan *Event, event *Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"event_id", event.ID,
				"event_type", event.Type,
				"instrument_id", event.InstrumentID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel. key is the
// instrument id, or "" for the global feed.
func (b *Bus) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "instrument_id", key, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions across all keys.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.logger.Debug("bus closed")
}
