// Package page abstracts the live document the annotation layer works on.
// RodDocument drives a Chrome tab; HTMLDocument holds a parsed snapshot and
// backs offline audits and tests.
package page

import "context"

// Attribute contract shared with the injected hooks.
const (
	MarkAttr  = "data-savewatch-mark"
	BadgeAttr = "data-savewatch-badge"
	StateAttr = "data-savewatch-state"

	// AnchorSelector finds gallery item candidates.
	AnchorSelector = `a[href^="/images/"]`
)

// State is the rendered state of a badge.
type State string

const (
	Saved   State = "saved"
	Unsaved State = "unsaved"
)

// StateFor maps the store lookup to a badge state.
func StateFor(saved bool) State {
	if saved {
		return Saved
	}
	return Unsaved
}

// Label is the badge text.
func (s State) Label() string {
	if s == Saved {
		return "SAVED"
	}
	return "SAVE"
}

// Anchor is one candidate element returned by a scan. Key is an opaque
// handle valid until the next scan.
type Anchor struct {
	Key    string `json:"key"`
	Href   string `json:"href"`
	HasImg bool   `json:"has_img"`
	ImgSrc string `json:"img_src"` // absolute preview URL
	Mark   string `json:"mark"`    // existing mark value, "" when unmarked
}

// Mark attaches a badge to the anchor behind Key.
type Mark struct {
	Key   string `json:"key"`
	ID    string `json:"id"`
	State State  `json:"state"`
}

// Document is the page surface the resolver and reconciler use.
type Document interface {
	URL(ctx context.Context) (string, error)
	Hrefs(ctx context.Context, selector string) ([]string, error)
	// Anchors scans AnchorSelector in document order.
	Anchors(ctx context.Context) ([]Anchor, error)
	// ApplyMarks marks the scanned anchors. Anchors that are gone or already
	// marked are left alone; the count of newly marked anchors is returned.
	ApplyMarks(ctx context.Context, marks []Mark) (int, error)
	// SetState updates every badge marked with id.
	SetState(ctx context.Context, id string, st State) (int, error)
	// ResetMarks strips every mark and badge.
	ResetMarks(ctx context.Context) (int, error)
}
