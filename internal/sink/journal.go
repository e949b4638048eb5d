package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/savewatch/dbopen"
)

// JournalSchema is the DDL of the event journal.
const JournalSchema = `
CREATE TABLE IF NOT EXISTS events (
    event_id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    page_url TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL,
    data TEXT NOT NULL DEFAULT 'null'
);
CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(type, timestamp DESC);
`

// Journal persists events to SQLite so the operation log survives restarts.
type Journal struct {
	db    *sql.DB
	owned bool
}

// OpenJournal opens (or creates) a journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(JournalSchema))
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return &Journal{db: db, owned: true}, nil
}

// NewJournal uses an existing database; the caller keeps ownership.
func NewJournal(ctx context.Context, db *sql.DB) (*Journal, error) {
	if _, err := db.ExecContext(ctx, JournalSchema); err != nil {
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	_, err = dbopen.Exec(ctx, j.db,
		`INSERT OR REPLACE INTO events (event_id, type, page_url, timestamp, data) VALUES (?,?,?,?,?)`,
		ev.ID, ev.Type, ev.PageURL, ev.Timestamp.UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", ev.Type, err)
	}
	return nil
}

// JournalFilter narrows Query results.
type JournalFilter struct {
	Type  string // empty matches all
	Limit int    // default 100
}

// Query returns the newest matching events first.
func (j *Journal) Query(ctx context.Context, f JournalFilter) ([]Event, error) {
	q := `SELECT event_id, type, page_url, timestamp, data FROM events`
	var args []any
	if f.Type != "" {
		q += ` WHERE type = ?`
		args = append(args, f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY timestamp DESC, event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev   Event
			ts   int64
			data string
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.PageURL, &ts, &data); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		ev.Timestamp = time.UnixMilli(ts).UTC()
		ev.Data = json.RawMessage(data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	if j.owned {
		return j.db.Close()
	}
	return nil
}
