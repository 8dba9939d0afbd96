// Package store persists the instrument event ledger in SQLite.
//
// # Architecture
//
// The live instrument set itself is never persisted; after a restart callers
// re-submit what they need. The ledger is a history: every ADDED, APPLIED,
// HIT and REMOVED event published on the bus is appended here so the
// lifecycle of an instrument can be inspected after it is gone.
//
//   - Store: the interface the gateway depends on
//   - SQLiteStore: the modernc.org/sqlite implementation (no cgo)
//
// # Schema
//
//	instrument_events(
//	    event_id       TEXT PRIMARY KEY,
//	    instrument_id  TEXT NOT NULL,
//	    event_type     TEXT NOT NULL,
//	    kind           TEXT NOT NULL,
//	    occurred_at_ms INTEGER NOT NULL,
//	    payload        BLOB
//	)
//
// Payloads arrive as JSON and are stored as Core Deterministic CBOR, which is
// smaller on disk and byte-stable for identical content. They are converted
// back to JSON on read.
//
// # Pagination
//
// ListEvents returns events oldest first and pages with an opaque cursor
// built from the last event's timestamp and id:
//
//	res, _ := s.ListEvents(ctx, store.ListParams{InstrumentID: id, Limit: 50})
//	for res.HasMore {
//	    res, _ = s.ListEvents(ctx, store.ListParams{InstrumentID: id, Cursor: res.NextCursor})
//	}
//
// # Connection Settings
//
// The database runs in WAL mode. Parent directories of the database path are
// created on open. Use ":memory:" only in tests with a single connection.
package store
