// Package record defines the durable "already saved" facts kept by savewatch
// and their JSON wire shape. This is the public contract shared by the
// durable slot, export files and import files:
//
//	[{"id":"123","mid":"45","vid":"67","url":"https://...","ts":1708700000000}]
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is one gallery item the user has saved.
type Record struct {
	ID                string // gallery image id, unique key
	PrimaryContextID  string // model id at save time, empty when unknown
	SecondaryFilterID string // model version id at save time, empty when unknown
	SourceURL         string // full-resolution asset URL, may be empty
	SavedAt           int64  // epoch milliseconds
}

// Valid reports whether r carries a usable id.
func (r Record) Valid() bool { return r.ID != "" }

type wire struct {
	ID  *string `json:"id"`
	MID *string `json:"mid"`
	VID *string `json:"vid"`
	URL string  `json:"url"`
	TS  int64   `json:"ts"`
}

// MarshalJSON writes the {id, mid, vid, url, ts} shape. Absent context ids
// are written as null.
func (r Record) MarshalJSON() ([]byte, error) {
	w := wire{URL: r.SourceURL, TS: r.SavedAt}
	id := r.ID
	w.ID = &id
	if r.PrimaryContextID != "" {
		mid := r.PrimaryContextID
		w.MID = &mid
	}
	if r.SecondaryFilterID != "" {
		vid := r.SecondaryFilterID
		w.VID = &vid
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the loose shape produced by older exports: ids may
// be strings or numbers, context ids may be null, ts may be missing.
// A falsy id (missing, null, "", 0, false) decodes to an empty ID rather
// than an error so callers can skip the entry.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID  json.RawMessage `json:"id"`
		MID json.RawMessage `json:"mid"`
		VID json.RawMessage `json:"vid"`
		URL json.RawMessage `json:"url"`
		TS  json.RawMessage `json:"ts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record{
		ID:                LooseID(raw.ID),
		PrimaryContextID:  LooseID(raw.MID),
		SecondaryFilterID: LooseID(raw.VID),
		SourceURL:         looseString(raw.URL),
		SavedAt:           looseInt(raw.TS),
	}
	return nil
}

// LooseID converts a JSON string or number into its string form. Anything
// falsy or non-scalar yields "".
func LooseID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return ""
		}
		return s
	case 'n', 't', 'f', '{', '[':
		return ""
	}
	var n json.Number
	if json.Unmarshal(raw, &n) != nil {
		return ""
	}
	if f, err := n.Float64(); err != nil || f == 0 {
		return ""
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	return n.String()
}

func looseString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func looseInt(raw json.RawMessage) int64 {
	var f float64
	if json.Unmarshal(raw, &f) != nil {
		return 0
	}
	return int64(f)
}

// MergeMode selects how an import is applied to the store.
type MergeMode string

const (
	// Merge keeps existing records and lets strictly newer incoming
	// records overwrite them.
	Merge MergeMode = "merge"
	// Replace makes the store exactly the incoming records.
	Replace MergeMode = "replace"
)

// ParseMergeMode parses "merge" or "replace".
func ParseMergeMode(s string) (MergeMode, error) {
	switch MergeMode(s) {
	case Merge, Replace:
		return MergeMode(s), nil
	}
	return "", fmt.Errorf("record: unknown merge mode %q", s)
}

// MergeReport summarises a MergeAll call.
type MergeReport struct {
	Mode      MergeMode `json:"mode"`
	Added     int       `json:"added"`
	Updated   int       `json:"updated"`
	Unchanged int       `json:"unchanged"`
	Skipped   int       `json:"skipped"` // entries without a truthy id
	Total     int       `json:"total"`   // store size afterwards
}
