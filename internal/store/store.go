// ABOUTME: Store interface and data types for the instrument event ledger
// ABOUTME: Defines the persisted event record and the query parameters

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// Event is one ledger row. Payload is JSON on both sides of the API.
type Event struct {
	ID           string          `json:"id"`
	InstrumentID string          `json:"instrument_id"`
	Type         string          `json:"event_type"`
	Kind         string          `json:"instrument_kind"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// ListParams selects ledger events.
type ListParams struct {
	InstrumentID string     // Optional: only this instrument's events
	Type         string     // Optional: only this event type
	Since        *time.Time // Optional: only events at or after this time
	Limit        int        // 1-500, defaults to 50
	Cursor       string     // Opaque cursor from a previous result
}

// ListResult is one page of events.
type ListResult struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}

// Store is the ledger used by the gateway.
type Store interface {
	SaveEvent(ctx context.Context, event *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, p ListParams) (*ListResult, error)
	DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
