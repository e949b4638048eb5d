package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/savewatch/dbopen"
)

// DefaultSlotName is the slot the record snapshot lives in.
const DefaultSlotName = "civitai_saved_images_v1"

// Slot is one named durable value holding the serialized snapshot.
// Read returns (nil, nil) when the slot has never been written.
type Slot interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// Schema for the SQLite slot table.
const Schema = `
CREATE TABLE IF NOT EXISTS slots (
	name       TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteSlot stores the snapshot as one row of the slots table.
type SQLiteSlot struct {
	db   *sql.DB
	name string
}

// NewSQLiteSlot creates the slots table if needed and returns the named slot.
func NewSQLiteSlot(db *sql.DB, name string) (*SQLiteSlot, error) {
	if name == "" {
		name = DefaultSlotName
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("store: slot schema: %w", err)
	}
	return &SQLiteSlot{db: db, name: name}, nil
}

func (s *SQLiteSlot) Read(ctx context.Context) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM slots WHERE name = ?`, s.name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read slot %s: %w", s.name, err)
	}
	return []byte(data), nil
}

func (s *SQLiteSlot) Write(ctx context.Context, data []byte) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO slots (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		s.name, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: write slot %s: %w", s.name, err)
	}
	return nil
}

// FileSlot stores the snapshot as a single JSON file, replaced atomically.
type FileSlot struct {
	path string
}

// NewFileSlot returns a slot backed by path. The parent directory is created
// on first write.
func NewFileSlot(path string) *FileSlot {
	return &FileSlot{path: path}
}

func (f *FileSlot) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", f.path, err)
	}
	return data, nil
}

func (f *FileSlot) Write(_ context.Context, data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".slot-*")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}

// MemorySlot keeps the snapshot in memory. Tests and audit runs use it.
type MemorySlot struct {
	Data   []byte
	Writes int
	Err    error // returned by Write when set
}

func (m *MemorySlot) Read(_ context.Context) ([]byte, error) {
	return m.Data, nil
}

func (m *MemorySlot) Write(_ context.Context, data []byte) error {
	if m.Err != nil {
		return m.Err
	}
	m.Data = append([]byte(nil), data...)
	m.Writes++
	return nil
}
