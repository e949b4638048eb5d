// Package annotate keeps a SAVE / SAVED badge on every gallery anchor. A
// pass only touches anchors that carry no mark yet, and badge state is read
// from the record store at mark time, so passes can run as often as the
// page mutates.
package annotate

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/savewatch/internal/coalesce"
	"github.com/hazyhaar/savewatch/internal/page"
)

// FrameWindow is the default scheduling window, about one animation frame.
const FrameWindow = 16 * time.Millisecond

var (
	imageIDRe = regexp.MustCompile(`/images/(\d+)`)
	extRe     = regexp.MustCompile(`\.([a-zA-Z0-9]+)$`)
)

// Store is the lookup the reconciler needs.
type Store interface {
	Has(id string) bool
}

// Pass summarises one reconcile.
type Pass struct {
	Scanned int `json:"scanned"`
	Marked  int `json:"marked"`
	Skipped int `json:"skipped"`
}

// Config for creating a Reconciler.
type Config struct {
	Doc    page.Document
	Store  Store
	Window time.Duration
	// OnPass fires after every pass that marked something.
	OnPass func(Pass)
	Logger *slog.Logger
}

// Reconciler attaches and resets marks.
type Reconciler struct {
	cfg    Config
	logger *slog.Logger
	runner *coalesce.Runner
	mu     sync.Mutex
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = FrameWindow
	}
	r := &Reconciler{cfg: cfg, logger: cfg.Logger}
	r.runner = coalesce.New(cfg.Window, func(ctx context.Context) {
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("annotate: scheduled pass failed", "error", err)
		}
	}, coalesce.WithName("annotate"), coalesce.WithLogger(cfg.Logger))
	return r
}

// Run drives scheduled passes until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error { return r.runner.Run(ctx) }

// Schedule requests a coalesced pass.
func (r *Reconciler) Schedule() { r.runner.Trigger() }

// Stats returns the scheduling counters.
func (r *Reconciler) Stats() coalesce.Stats { return r.runner.Stats() }

// Reconcile marks every eligible unmarked anchor.
func (r *Reconciler) Reconcile(ctx context.Context) (Pass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	anchors, err := r.cfg.Doc.Anchors(ctx)
	if err != nil {
		return Pass{}, fmt.Errorf("annotate: scan: %w", err)
	}

	var p Pass
	var marks []page.Mark
	for _, a := range anchors {
		p.Scanned++
		if a.Mark != "" {
			continue
		}
		id, _, _, ok := Eligible(a)
		if !ok {
			p.Skipped++
			continue
		}
		marks = append(marks, page.Mark{
			Key:   a.Key,
			ID:    id,
			State: page.StateFor(r.cfg.Store.Has(id)),
		})
	}

	n, err := r.cfg.Doc.ApplyMarks(ctx, marks)
	if err != nil {
		return p, fmt.Errorf("annotate: apply: %w", err)
	}
	p.Marked = n
	if n > 0 {
		r.logger.Debug("annotate: pass", "scanned", p.Scanned, "marked", p.Marked, "skipped", p.Skipped)
		if r.cfg.OnPass != nil {
			r.cfg.OnPass(p)
		}
	}
	return p, nil
}

// ResetAll strips every mark so the next pass re-derives them.
func (r *Reconciler) ResetAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.cfg.Doc.ResetMarks(ctx)
	if err != nil {
		return 0, fmt.Errorf("annotate: reset: %w", err)
	}
	r.logger.Info("annotate: marks reset", "count", n)
	return n, nil
}

// Refresh resets and re-marks; used after imports.
func (r *Reconciler) Refresh(ctx context.Context) (Pass, error) {
	if _, err := r.ResetAll(ctx); err != nil {
		return Pass{}, err
	}
	return r.Reconcile(ctx)
}

// SetSaved flips the badges for id to SAVED. It waits for an in-progress
// pass, so a badge applied from a scan that predates the commit is
// corrected.
func (r *Reconciler) SetSaved(ctx context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.cfg.Doc.SetState(ctx, id, page.Saved)
	if err != nil {
		return 0, fmt.Errorf("annotate: set saved %s: %w", id, err)
	}
	return n, nil
}

// ImageID extracts the gallery id from an anchor href.
func ImageID(href string) (string, bool) {
	if !strings.HasPrefix(href, "/images/") {
		return "", false
	}
	m := imageIDRe.FindStringSubmatch(href)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Eligible reports whether a scanned anchor can carry a mark, and returns
// its id with the full-resolution asset URL and extension.
func Eligible(a page.Anchor) (id, asset, ext string, ok bool) {
	if !a.HasImg {
		return "", "", "", false
	}
	id, ok = ImageID(a.Href)
	if !ok {
		return "", "", "", false
	}
	asset, ext, err := AssetURL(a.ImgSrc, id)
	if err != nil {
		return "", "", "", false
	}
	return id, asset, ext, true
}

// AssetURL derives the full-resolution URL from a preview src: the last two
// path segments (size variant and file name) become original=true/{id}.{ext}.
// ext comes from the preview file name, default jpeg.
func AssetURL(src, id string) (string, string, error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", "", fmt.Errorf("annotate: preview src: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("annotate: preview src %q is not absolute", src)
	}
	parts := strings.Split(u.EscapedPath(), "/")
	ext := "jpeg"
	if m := extRe.FindStringSubmatch(parts[len(parts)-1]); m != nil {
		ext = m[1]
	}
	basePath := ""
	if n := len(parts) - 2; n > 0 {
		basePath = strings.Join(parts[:n], "/")
	}
	return u.Scheme + "://" + u.Host + basePath + "/original=true/" + id + "." + ext, ext, nil
}
