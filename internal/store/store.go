// Package store is the RecordStore: the process-owned mapping of saved
// gallery items, written through to a durable Slot after every mutation.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/savewatch/record"
)

// ErrCorruptSnapshot reports a durable snapshot that could not be parsed.
// It is a warning: the store starts empty and keeps working.
var ErrCorruptSnapshot = errors.New("store: corrupt snapshot")

// ErrMalformedImport reports an import payload that is not a JSON array.
// The store is left untouched.
var ErrMalformedImport = errors.New("store: malformed import")

// ErrNotPersisted reports a mutation that was applied in memory but whose
// durable write failed. Readers already see the new state.
var ErrNotPersisted = errors.New("store: not persisted")

// Store holds records keyed by id, in insertion order.
type Store struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]record.Record
	slot   Slot
	now    func() time.Time
	logger *slog.Logger
	warn   error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now for SavedAt stamping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open reads the slot once and returns the populated store. A corrupt
// snapshot yields an empty store; only slot I/O errors are returned.
func Open(ctx context.Context, slot Slot, opts ...Option) (*Store, error) {
	s := &Store{
		byID:   make(map[string]record.Record),
		slot:   slot,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	data, err := slot.Read(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := decodeSnapshot(data)
	if err != nil {
		s.warn = err
		s.logger.Warn("store: snapshot unreadable, starting empty", "error", err)
		return s, nil
	}
	for _, r := range recs {
		if !r.Valid() {
			continue
		}
		s.put(r)
	}
	s.logger.Info("store: loaded", "records", len(s.order))
	return s, nil
}

func decodeSnapshot(data []byte) ([]record.Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	// Elements that do not decode are dropped one by one.
	recs := make([]record.Record, 0, len(raw))
	for _, item := range raw {
		var r record.Record
		if err := json.Unmarshal(item, &r); err != nil {
			continue
		}
		recs = append(recs, r)
	}
	return recs, nil
}

// Warning returns ErrCorruptSnapshot (wrapped) when Open had to discard
// the durable snapshot, nil otherwise.
func (s *Store) Warning() error { return s.warn }

// put inserts or replaces while keeping the original position of an
// existing id. Caller holds the write lock (or owns s exclusively).
func (s *Store) put(r record.Record) {
	if _, ok := s.byID[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.byID[r.ID] = r
}

// Has reports whether id has been saved.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Get returns the record for id.
func (s *Store) Get(id string) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Load returns a copy of the current mapping.
func (s *Store) Load() map[string]record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]record.Record, len(s.byID))
	for k, v := range s.byID {
		out[k] = v
	}
	return out
}

// List returns the records in insertion order.
func (s *Store) List() []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store) listLocked() []record.Record {
	out := make([]record.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Upsert inserts or fully replaces rec, stamping SavedAt with now. The
// in-memory view commits even if the durable write fails; that failure is
// returned.
func (s *Store) Upsert(ctx context.Context, rec record.Record) (record.Record, error) {
	if !rec.Valid() {
		return rec, fmt.Errorf("store: upsert: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.SavedAt = s.now().UnixMilli()
	s.put(rec)
	return rec, s.persistLocked(ctx)
}

// MergeAll applies incoming according to mode. The resulting mapping is
// built aside and swapped in at once.
func (s *Store) MergeAll(ctx context.Context, incoming []record.Record, mode record.MergeMode) (record.MergeReport, error) {
	rep := record.MergeReport{Mode: mode}

	s.mu.Lock()
	defer s.mu.Unlock()

	var order []string
	var byID map[string]record.Record

	switch mode {
	case record.Replace:
		byID = make(map[string]record.Record, len(incoming))
		for _, r := range incoming {
			if !r.Valid() {
				rep.Skipped++
				continue
			}
			if _, ok := byID[r.ID]; !ok {
				order = append(order, r.ID)
				rep.Added++
			}
			byID[r.ID] = r
		}

	case record.Merge:
		order = append([]string(nil), s.order...)
		byID = make(map[string]record.Record, len(s.byID)+len(incoming))
		for k, v := range s.byID {
			byID[k] = v
		}
		for _, r := range incoming {
			if !r.Valid() {
				rep.Skipped++
				continue
			}
			existing, ok := byID[r.ID]
			switch {
			case !ok:
				order = append(order, r.ID)
				byID[r.ID] = r
				rep.Added++
			case r.SavedAt > existing.SavedAt:
				byID[r.ID] = r
				rep.Updated++
			default:
				rep.Unchanged++
			}
		}

	default:
		return rep, fmt.Errorf("store: unknown merge mode %q", mode)
	}

	s.order, s.byID = order, byID
	rep.Total = len(order)
	return rep, s.persistLocked(ctx)
}

// Import parses an import file and merges it. Anything but a JSON array
// fails with ErrMalformedImport before the store is touched. Entries that
// are not objects or lack a truthy id are skipped.
func (s *Store) Import(ctx context.Context, data []byte, mode record.MergeMode) (record.MergeReport, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return record.MergeReport{Mode: mode}, fmt.Errorf("%w: %v", ErrMalformedImport, err)
	}
	if raw == nil {
		// "null" decodes without error but is not an array.
		return record.MergeReport{Mode: mode}, fmt.Errorf("%w: not an array", ErrMalformedImport)
	}

	recs := make([]record.Record, 0, len(raw))
	for _, item := range raw {
		var r record.Record
		if err := json.Unmarshal(item, &r); err != nil {
			recs = append(recs, record.Record{})
			continue
		}
		recs = append(recs, r)
	}

	rep, err := s.MergeAll(ctx, recs, mode)
	if err == nil {
		s.logger.Info("store: import applied",
			"mode", mode, "added", rep.Added, "updated", rep.Updated,
			"unchanged", rep.Unchanged, "skipped", rep.Skipped, "total", rep.Total)
	}
	return rep, err
}

// Export writes the records as an indented JSON array and returns how many
// were written.
func (s *Store) Export(w io.Writer) (int, error) {
	recs := s.List()
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	return len(recs), nil
}

// ExportFileName returns the export file name for the given day.
func ExportFileName(t time.Time) string {
	return "civitai_saved_" + t.UTC().Format("2006-01-02") + ".json"
}

func (s *Store) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(s.listLocked())
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	if err := s.slot.Write(ctx, data); err != nil {
		s.logger.Error("store: durable write failed", "error", err, "records", len(s.order))
		return fmt.Errorf("%w: %w", ErrNotPersisted, err)
	}
	return nil
}
