package savewatch

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/hazyhaar/savewatch/internal/annotate"
	"github.com/hazyhaar/savewatch/internal/page"
	"github.com/hazyhaar/savewatch/internal/pagectx"
)

// AuditReport lists the gallery items found in a page snapshot.
type AuditReport struct {
	PageURL   string        `json:"page_url"`
	ModelID   string        `json:"model_id,omitempty"`
	VersionID string        `json:"version_id,omitempty"`
	Pass      annotate.Pass `json:"pass"`
	Saved     []string      `json:"saved"`
	Unsaved   []string      `json:"unsaved"`
}

// Audit badges a saved gallery page against st without a browser. The
// annotated document is written to out when out is non-nil.
func Audit(ctx context.Context, r io.Reader, pageURL string, st annotate.Store, out io.Writer) (AuditReport, error) {
	doc, err := page.ParseHTML(r, pageURL)
	if err != nil {
		return AuditReport{}, fmt.Errorf("savewatch: audit: %w", err)
	}
	rep := AuditReport{PageURL: pageURL, Saved: []string{}, Unsaved: []string{}}

	pc, err := pagectx.NewResolver(doc).Resolve(ctx)
	if err != nil {
		return rep, fmt.Errorf("savewatch: audit: %w", err)
	}
	rep.ModelID, rep.VersionID = pc.Primary, pc.Secondary

	rep.Pass, err = annotate.New(annotate.Config{Doc: doc, Store: st}).Reconcile(ctx)
	if err != nil {
		return rep, fmt.Errorf("savewatch: audit: %w", err)
	}
	for id, state := range doc.Marks() {
		if state == page.Saved {
			rep.Saved = append(rep.Saved, id)
		} else {
			rep.Unsaved = append(rep.Unsaved, id)
		}
	}
	sort.Strings(rep.Saved)
	sort.Strings(rep.Unsaved)

	if out != nil {
		if err := doc.Render(out); err != nil {
			return rep, fmt.Errorf("savewatch: audit: render: %w", err)
		}
	}
	return rep, nil
}
