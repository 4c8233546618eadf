// Package journal keeps an append-only SQLite audit log of every event the
// engine emits. It is a secondary record: the store remains the source of
// truth, and a failed append never rolls back the operation that caused it.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tradegen/vte-engine/internal/event"
	"github.com/tradegen/vte-engine/internal/logger"
	"github.com/tradegen/vte-engine/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT    NOT NULL UNIQUE,
    kind       TEXT    NOT NULL,
    ledger     TEXT    NOT NULL DEFAULT '',
    idx        INTEGER NOT NULL DEFAULT 0,
    payload    TEXT    NOT NULL,
    created_at TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_kind   ON events(kind, seq DESC);
CREATE INDEX IF NOT EXISTS idx_events_ledger ON events(ledger, seq DESC);
`

// DefaultLimit bounds List when the filter does not.
const DefaultLimit = 100

// MaxLimit is the largest page List returns.
const MaxLimit = 1000

// appendTimeout bounds a single Emit, which has no caller context.
const appendTimeout = 2 * time.Second

type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at dsn. ":memory:" gives a private
// in-process journal.
func Open(dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append writes one event.
func (j *Journal) Append(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal %s: %w", e.ID, err)
	}
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, ledger, idx, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Ledger, int64(e.Index), string(payload), e.Timestamp.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("journal: insert %s: %w", e.ID, err)
	}
	return nil
}

// Emit implements event.Sink. Failures are logged and counted.
func (j *Journal) Emit(e event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	if err := j.Append(ctx, e); err != nil {
		metrics.JournalErrors.Inc()
		logger.LogError(ctx, err, "journal append failed", "id", e.ID, "kind", string(e.Kind))
	}
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Kind   event.Kind
	Ledger string
	Limit  int
}

// List returns the newest matching events first.
func (j *Journal) List(ctx context.Context, f Filter) ([]event.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	query := `SELECT payload FROM events WHERE 1=1`
	var args []any
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Ledger != "" {
		query += ` AND ledger = ?`
		args = append(args, f.Ledger)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		var e event.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("journal: decode: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns the number of journaled events.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}
