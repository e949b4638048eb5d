// Package sink delivers savewatch events (catalog summaries, saves,
// imports, fetch failures, stats) to output backends.
package sink

import (
	"context"
	"time"

	"github.com/hazyhaar/savewatch/idgen"
)

// Event types.
const (
	TypeCatalog     = "catalog"
	TypeSaved       = "saved"
	TypeImport      = "import"
	TypeFetchFailed = "fetch_failed"
	TypeStats       = "stats"
)

// Event is one operation-log entry.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	PageURL   string    `json:"page_url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// NewEvent stamps an event with a UUIDv7 id and the current time.
func NewEvent(typ, pageURL string, data any) Event {
	return Event{
		ID:        idgen.New(),
		Type:      typ,
		PageURL:   pageURL,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Sink is the output interface. Implementations deliver events to
// different backends (stdout, webhook, in-process callback).
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Send(context.Context, Event) error { return nil }
func (Discard) Close() error                      { return nil }
