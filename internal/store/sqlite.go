// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides the instrument event ledger with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every new connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS instrument_events (
			event_id       TEXT PRIMARY KEY,
			instrument_id  TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			kind           TEXT NOT NULL,
			occurred_at_ms INTEGER NOT NULL,
			payload        BLOB,

			CHECK (event_type IN ('ADDED', 'APPLIED', 'HIT', 'REMOVED'))
		);

		CREATE INDEX IF NOT EXISTS idx_instrument_events_instrument
			ON instrument_events(instrument_id, occurred_at_ms, event_id);

		CREATE INDEX IF NOT EXISTS idx_instrument_events_time
			ON instrument_events(occurred_at_ms, event_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveEvent appends an event to the ledger.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *Event) error {
	payload, err := encodePayload(event.Payload)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO instrument_events (
			event_id, instrument_id, event_type, kind, occurred_at_ms, payload
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.InstrumentID,
		event.Type,
		event.Kind,
		event.OccurredAt.UnixMilli(),
		payload,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("saved ledger event",
		"event_id", event.ID,
		"instrument_id", event.InstrumentID,
		"type", event.Type,
	)
	return nil
}

// GetEvent retrieves a single event by ID
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	query := `
		SELECT event_id, instrument_id, event_type, kind, occurred_at_ms, payload
		FROM instrument_events
		WHERE event_id = ?
	`
	event, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return event, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		event   Event
		ms      int64
		payload []byte
	)
	if err := row.Scan(&event.ID, &event.InstrumentID, &event.Type, &event.Kind, &ms, &payload); err != nil {
		return nil, err
	}
	event.OccurredAt = time.UnixMilli(ms).UTC()

	raw, err := decodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", event.ID, err)
	}
	event.Payload = raw
	return &event, nil
}

// encodeCursor creates an opaque cursor string from a timestamp and event ID.
// Format is base64(epoch_millis|event_id)
func encodeCursor(ms int64, id string) string {
	data := strconv.FormatInt(ms, 10) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// decodeCursor parses an opaque cursor string into a timestamp and event ID.
func decodeCursor(cursor string) (int64, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("%w: encoding: %v", ErrInvalidCursor, err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("%w: expected millis|event_id", ErrInvalidCursor)
	}

	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: timestamp: %v", ErrInvalidCursor, err)
	}
	return ms, parts[1], nil
}

// ListEvents returns events oldest first with cursor pagination.
func (s *SQLiteStore) ListEvents(ctx context.Context, p ListParams) (*ListResult, error) {
	// Apply default and cap limit
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 500 {
		p.Limit = 500
	}

	var args []any
	query := `
		SELECT event_id, instrument_id, event_type, kind, occurred_at_ms, payload
		FROM instrument_events
		WHERE 1 = 1
	`
	if p.InstrumentID != "" {
		query += ` AND instrument_id = ?`
		args = append(args, p.InstrumentID)
	}
	if p.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, p.Type)
	}
	if p.Since != nil {
		query += ` AND occurred_at_ms >= ?`
		args = append(args, p.Since.UnixMilli())
	}
	if p.Cursor != "" {
		ms, id, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (occurred_at_ms > ? OR (occurred_at_ms = ? AND event_id > ?))`
		args = append(args, ms, ms, id)
	}

	// Order by timestamp, then event_id for deterministic pagination
	query += ` ORDER BY occurred_at_ms ASC, event_id ASC`

	// Fetch limit+1 to detect if there are more results
	query += ` LIMIT ?`
	args = append(args, p.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	result := &ListResult{Events: events}
	if len(events) > p.Limit {
		result.Events = events[:p.Limit]
		result.HasMore = true
		last := result.Events[p.Limit-1]
		result.NextCursor = encodeCursor(last.OccurredAt.UnixMilli(), last.ID)
	}
	return result, nil
}

// DeleteEventsBefore prunes the ledger and returns the number of rows removed.
func (s *SQLiteStore) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instrument_events WHERE occurred_at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted events: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned ledger events", "count", n, "before", before)
	}
	return n, nil
}
