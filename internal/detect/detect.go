// Package detect owns the cached model catalog and decides, on each
// trigger, whether the page context changed enough to refetch it, only
// re-filter it, or do nothing.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/savewatch/internal/catalog"
	"github.com/hazyhaar/savewatch/internal/coalesce"
	"github.com/hazyhaar/savewatch/internal/pagectx"
)

// Decision is the outcome of one evaluation.
type Decision int

const (
	NoOp Decision = iota
	Refetch
	Rederive
)

func (d Decision) String() string {
	switch d {
	case Refetch:
		return "refetch"
	case Rederive:
		return "rederive"
	}
	return "noop"
}

// Resolver reads the current page context.
type Resolver interface {
	Resolve(ctx context.Context) (pagectx.Context, error)
}

// Fetcher loads a catalog for a model id.
type Fetcher interface {
	Fetch(ctx context.Context, primaryID string) (*catalog.Catalog, error)
}

// View is a consistent copy of the detector state.
type View struct {
	Primary   string          `json:"primary"`
	Secondary string          `json:"secondary"`
	Name      string          `json:"model"`
	Entries   []catalog.Entry `json:"entries"`
	FetchedAt time.Time       `json:"fetched_at"`
	Cached    bool            `json:"cached"`
}

// Stats counts evaluations by outcome.
type Stats struct {
	Evaluations   int64          `json:"evaluations"`
	Fetches       int64          `json:"fetches"`
	FetchFailures int64          `json:"fetch_failures"`
	Rederives     int64          `json:"rederives"`
	Trigger       coalesce.Stats `json:"trigger"`
}

// Config for creating a Detector.
type Config struct {
	Resolver Resolver
	Fetcher  Fetcher
	// Window coalesces triggers. Default: 1s.
	Window time.Duration
	// OnChange fires after a Refetch or Rederive.
	OnChange func(ctx context.Context, d Decision, v View)
	// OnFetchFailed fires when a catalog fetch fails.
	OnFetchFailed func(ctx context.Context, primaryID string, err error)
	Logger        *slog.Logger
}

// Detector is the context-change state machine. One per tab.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	runner *coalesce.Runner
	render *catalog.Renderer

	evalMu sync.Mutex // one evaluation at a time, network step included

	mu            sync.RWMutex
	lastPrimary   string
	lastSecondary string
	cat           *catalog.Catalog
	entries       []catalog.Entry
	// failedPrimary is the model whose last fetch failed. It is not
	// fetched again until Refresh or a different model.
	failedPrimary string

	force         atomic.Bool
	evaluations   atomic.Int64
	fetches       atomic.Int64
	fetchFailures atomic.Int64
	rederives     atomic.Int64
}

// New creates a Detector.
func New(cfg Config) *Detector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	d := &Detector{cfg: cfg, logger: cfg.Logger, render: catalog.NewRenderer()}
	d.runner = coalesce.New(cfg.Window, d.evaluateLogged,
		coalesce.WithName("detect"), coalesce.WithLogger(cfg.Logger))
	return d
}

// Run drives coalesced evaluations until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	return d.runner.Run(ctx)
}

// Trigger requests an evaluation.
func (d *Detector) Trigger() { d.runner.Trigger() }

// Refresh forces the next evaluation to refetch the catalog for the
// current model and runs it without waiting for the window.
func (d *Detector) Refresh() {
	d.force.Store(true)
	d.runner.Flush()
}

func (d *Detector) evaluateLogged(ctx context.Context) {
	if _, err := d.Evaluate(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn("detect: evaluation failed", "error", err)
	}
}

// Evaluate runs one transition. A failed fetch leaves the cached catalog,
// entries and last ids untouched, and the failed model is not fetched again
// until Refresh.
func (d *Detector) Evaluate(ctx context.Context) (Decision, error) {
	d.evalMu.Lock()
	defer d.evalMu.Unlock()
	d.evaluations.Add(1)

	cur, err := d.cfg.Resolver.Resolve(ctx)
	if err != nil {
		return NoOp, fmt.Errorf("detect: resolve: %w", err)
	}
	force := d.force.Swap(false)

	d.mu.RLock()
	lastP, lastS, cached := d.lastPrimary, d.lastSecondary, d.cat != nil
	failed := d.failedPrimary
	d.mu.RUnlock()

	secChanged := cur.Secondary != "" && cur.Secondary != lastS

	var dec Decision
	switch {
	case cur.Primary != "" && cur.Primary == failed && !force:
		return NoOp, nil
	case cur.Primary != "" && (cur.Primary != lastP || force):
		dec, err = d.refetch(ctx, cur)
	case secChanged && cached:
		d.rederive(cur)
		dec = Rederive
	case secChanged && cur.Primary != "":
		dec, err = d.refetch(ctx, cur)
	default:
		return NoOp, nil
	}
	if err != nil {
		return dec, err
	}

	v := d.View()
	d.logSummary(dec, cur, v)
	if d.cfg.OnChange != nil {
		d.cfg.OnChange(ctx, dec, v)
	}
	return dec, nil
}

func (d *Detector) refetch(ctx context.Context, cur pagectx.Context) (Decision, error) {
	d.fetches.Add(1)
	cat, err := d.cfg.Fetcher.Fetch(ctx, cur.Primary)
	if err != nil {
		d.fetchFailures.Add(1)
		d.mu.Lock()
		d.failedPrimary = cur.Primary
		d.mu.Unlock()
		d.logger.Warn("detect: catalog fetch failed, keeping previous catalog",
			"model_id", cur.Primary, "error", err)
		if d.cfg.OnFetchFailed != nil {
			d.cfg.OnFetchFailed(ctx, cur.Primary, err)
		}
		return NoOp, err
	}
	entries := catalog.FilterBySecondary(cat, cur.Secondary)

	d.mu.Lock()
	d.cat = cat
	d.lastPrimary = cur.Primary
	d.lastSecondary = cur.Secondary
	d.entries = entries
	d.failedPrimary = ""
	d.mu.Unlock()
	return Refetch, nil
}

func (d *Detector) rederive(cur pagectx.Context) {
	d.rederives.Add(1)
	d.mu.Lock()
	d.entries = catalog.FilterBySecondary(d.cat, cur.Secondary)
	d.lastSecondary = cur.Secondary
	d.mu.Unlock()
}

func (d *Detector) logSummary(dec Decision, cur pagectx.Context, v View) {
	attrs := []any{
		"decision", dec.String(),
		"model_id", v.Primary,
		"version_id", v.Secondary,
		"version_source", string(cur.Source),
		"model", v.Name,
		"versions_matched", len(v.Entries),
	}
	if len(v.Entries) == 0 {
		d.logger.Warn("detect: no version matched", attrs...)
		return
	}
	d.logger.Info("detect: catalog updated", attrs...)
	for _, e := range v.Entries {
		file := ""
		if e.PrimaryFile != nil {
			file = e.PrimaryFile.Name
		}
		d.logger.Debug("detect: version",
			"id", e.ID, "name", e.Name, "base_model", e.BaseModel,
			"primary_file", file, "description", d.render.Excerpt(e.Description, 50))
	}
}

// View returns a copy of the current state.
func (d *Detector) View() View {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v := View{
		Primary:   d.lastPrimary,
		Secondary: d.lastSecondary,
		Entries:   append([]catalog.Entry(nil), d.entries...),
		Cached:    d.cat != nil,
	}
	if d.cat != nil {
		v.Name = d.cat.Name
		v.FetchedAt = d.cat.FetchedAt
	}
	return v
}

// Stats returns the counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Evaluations:   d.evaluations.Load(),
		Fetches:       d.fetches.Load(),
		FetchFailures: d.fetchFailures.Load(),
		Rederives:     d.rederives.Load(),
		Trigger:       d.runner.Stats(),
	}
}
