package savewatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/savewatch/internal/annotate"
	"github.com/hazyhaar/savewatch/internal/blob"
	"github.com/hazyhaar/savewatch/internal/catalog"
	"github.com/hazyhaar/savewatch/internal/coalesce"
	"github.com/hazyhaar/savewatch/internal/detect"
	"github.com/hazyhaar/savewatch/internal/metrics"
	"github.com/hazyhaar/savewatch/internal/observer"
	"github.com/hazyhaar/savewatch/internal/page"
	"github.com/hazyhaar/savewatch/internal/pagectx"
	"github.com/hazyhaar/savewatch/internal/pipeline"
	"github.com/hazyhaar/savewatch/internal/sink"
	"github.com/hazyhaar/savewatch/internal/store"
)

// Timing holds the engine's windows and delays. Zero values take defaults.
type Timing struct {
	DetectWindow  time.Duration // default 1s
	FrameWindow   time.Duration // default 16ms
	StartDelay    time.Duration // default 1.5s
	NavigateDelay time.Duration // default 500ms
	StatsInterval time.Duration // default 5m
}

func (t *Timing) defaults() {
	if t.DetectWindow <= 0 {
		t.DetectWindow = time.Second
	}
	if t.FrameWindow <= 0 {
		t.FrameWindow = annotate.FrameWindow
	}
	if t.StartDelay <= 0 {
		t.StartDelay = 1500 * time.Millisecond
	}
	if t.NavigateDelay <= 0 {
		t.NavigateDelay = 500 * time.Millisecond
	}
	if t.StatsInterval <= 0 {
		t.StatsInterval = 5 * time.Minute
	}
}

// EngineConfig wires an Engine to one page document.
type EngineConfig struct {
	Doc     page.Document
	Store   *store.Store
	Fetcher detect.Fetcher
	Blobs   blob.Store
	// Fallback receives assets the pipeline could not fetch itself.
	Fallback pipeline.URLSaver
	Sink     sink.Sink
	Metrics  *metrics.Recorder // optional

	APIBase   string
	UserAgent string
	Client    *http.Client

	Timing Timing
	Logger *slog.Logger
}

// SaveStats counts pipeline runs started from badge activations.
type SaveStats struct {
	Started  int64 `json:"started"`
	Saved    int64 `json:"saved"`
	Partial  int64 `json:"partial"`
	Rejected int64 `json:"rejected"`
}

// EngineStats is the periodic stats event payload.
type EngineStats struct {
	Records   int            `json:"records"`
	Detector  detect.Stats   `json:"detector"`
	Annotate  coalesce.Stats `json:"annotate"`
	Saves     SaveStats      `json:"saves"`
	Mutations int64          `json:"mutations"`
}

// Engine drives detection, annotation and saves for one document. It
// implements observer.Handler.
type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger

	detector   *detect.Detector
	reconciler *annotate.Reconciler
	pipeline   *pipeline.Pipeline

	mu      sync.RWMutex
	pageURL string

	bgMu      sync.Mutex
	stopped   bool
	wg        sync.WaitGroup
	mutations atomic.Int64
	started   atomic.Int64
	saved     atomic.Int64
	partial   atomic.Int64
	rejected  atomic.Int64
}

var _ observer.Handler = (*Engine)(nil)

// NewEngine builds the detector, reconciler and pipeline around cfg.Doc.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Doc == nil {
		return nil, errors.New("savewatch: engine needs a document")
	}
	if cfg.Store == nil {
		return nil, errors.New("savewatch: engine needs a record store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = sink.Discard{}
	}
	if cfg.Fetcher == nil {
		opts := []catalog.Option{catalog.WithLogger(cfg.Logger)}
		if cfg.Client != nil {
			opts = append(opts, catalog.WithClient(cfg.Client))
		}
		if cfg.UserAgent != "" {
			opts = append(opts, catalog.WithUserAgent(cfg.UserAgent))
		}
		cfg.Fetcher = catalog.New(cfg.APIBase, opts...)
	}
	cfg.Timing.defaults()

	e := &Engine{cfg: cfg, logger: cfg.Logger}

	e.reconciler = annotate.New(annotate.Config{
		Doc:    cfg.Doc,
		Store:  cfg.Store,
		Window: cfg.Timing.FrameWindow,
		OnPass: func(p annotate.Pass) {
			if cfg.Metrics != nil {
				cfg.Metrics.Marked(p.Marked)
			}
		},
		Logger: cfg.Logger,
	})

	e.detector = detect.New(detect.Config{
		Resolver:      pagectx.NewResolver(cfg.Doc),
		Fetcher:       observedFetcher{f: cfg.Fetcher, observe: e.observe},
		Window:        cfg.Timing.DetectWindow,
		OnChange:      e.onChange,
		OnFetchFailed: e.onFetchFailed,
		Logger:        cfg.Logger,
	})

	e.pipeline = pipeline.New(pipeline.Config{
		BaseURL:   cfg.APIBase,
		Client:    cfg.Client,
		UserAgent: cfg.UserAgent,
		Context:   e.detector,
		Store:     cfg.Store,
		Marker:    e.reconciler,
		Blobs:     cfg.Blobs,
		Fallback:  cfg.Fallback,
		Sink:      cfg.Sink,
		PageURL:   e.PageURL,
		Logger:    cfg.Logger,
	})
	return e, nil
}

// Detector returns the engine's change detector.
func (e *Engine) Detector() *detect.Detector { return e.detector }

// Reconciler returns the engine's annotation reconciler.
func (e *Engine) Reconciler() *annotate.Reconciler { return e.reconciler }

// Pipeline returns the engine's save pipeline.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipeline }

// PageURL is the last URL the engine saw committed.
func (e *Engine) PageURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pageURL
}

func (e *Engine) setPageURL(u string) {
	e.mu.Lock()
	e.pageURL = u
	e.mu.Unlock()
}

// Run drives the detector and reconciler loops, performs the delayed first
// pass and emits periodic stats until ctx is done. In-flight saves are
// waited for before returning.
func (e *Engine) Run(ctx context.Context) error {
	if u, err := e.cfg.Doc.URL(ctx); err == nil {
		e.setPageURL(u)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.detector.Run(gctx) })
	g.Go(func() error { return e.reconciler.Run(gctx) })
	g.Go(func() error {
		if !sleep(gctx, e.cfg.Timing.StartDelay) {
			return nil
		}
		e.logger.Info("savewatch: initial pass")
		e.reconciler.Schedule()
		e.detector.Trigger()
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(e.cfg.Timing.StatsInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				e.emit(gctx, sink.TypeStats, e.Stats())
			}
		}
	})
	err := g.Wait()
	e.bgMu.Lock()
	e.stopped = true
	e.bgMu.Unlock()
	e.wg.Wait()
	e.emit(context.WithoutCancel(ctx), sink.TypeStats, e.Stats())
	return err
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Records:  e.cfg.Store.Len(),
		Detector: e.detector.Stats(),
		Annotate: e.reconciler.Stats(),
		Saves: SaveStats{
			Started:  e.started.Load(),
			Saved:    e.saved.Load(),
			Partial:  e.partial.Load(),
			Rejected: e.rejected.Load(),
		},
		Mutations: e.mutations.Load(),
	}
}

// OnMutation schedules a reconcile and a context evaluation.
func (e *Engine) OnMutation(_ context.Context, added int) {
	e.mutations.Add(1)
	e.logger.Debug("savewatch: mutation", "added", added)
	e.reconciler.Schedule()
	e.detector.Trigger()
}

// OnNavigate records the new URL and re-evaluates after the navigate delay,
// giving the new route time to render.
func (e *Engine) OnNavigate(ctx context.Context, url string, full bool) {
	e.setPageURL(url)
	e.logger.Info("savewatch: navigated", "url", url, "full", full)
	e.goBackground(func() {
		if !sleep(ctx, e.cfg.Timing.NavigateDelay) {
			return
		}
		e.detector.Trigger()
		e.reconciler.Schedule()
	})
}

// OnActivate starts a save in the background.
func (e *Engine) OnActivate(ctx context.Context, act observer.Activation) {
	if !e.goBackground(func() {
		e.Save(ctx, pipeline.Activation{ID: act.ID, PreviewSrc: act.Src})
	}) {
		e.logger.Debug("savewatch: activation after stop dropped", "id", act.ID)
	}
}

// goBackground runs fn on a goroutine Run waits for. It reports false once
// Run has begun draining.
func (e *Engine) goBackground(fn func()) bool {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.stopped {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// Save runs the pipeline for one activation and accounts for the outcome.
func (e *Engine) Save(ctx context.Context, act pipeline.Activation) (*pipeline.Result, error) {
	start := time.Now()
	res, err := e.pipeline.Run(ctx, act)
	var partial *pipeline.PartialFailure
	switch {
	case errors.Is(err, pipeline.ErrInFlight):
		e.rejected.Add(1)
		e.logger.Debug("savewatch: save already running", "id", act.ID)
		return nil, err
	case errors.As(err, &partial):
		e.started.Add(1)
		e.partial.Add(1)
	case err != nil:
		e.started.Add(1)
		e.logger.Warn("savewatch: save failed", "id", act.ID, "error", err)
	default:
		e.started.Add(1)
		e.saved.Add(1)
	}
	e.observe("save", err == nil, time.Since(start))
	return res, err
}

func (e *Engine) onChange(ctx context.Context, d detect.Decision, v detect.View) {
	e.reconciler.Schedule()
	e.emit(ctx, sink.TypeCatalog, map[string]any{
		"decision":  d.String(),
		"model_id":  v.Primary,
		"version":   v.Secondary,
		"model":     v.Name,
		"entries":   len(v.Entries),
		"cached":    v.Cached,
		"fetchedAt": v.FetchedAt,
	})
}

func (e *Engine) onFetchFailed(ctx context.Context, primaryID string, err error) {
	e.emit(ctx, sink.TypeFetchFailed, map[string]any{
		"model_id": primaryID,
		"error":    err.Error(),
	})
}

func (e *Engine) emit(ctx context.Context, typ string, data any) {
	if err := e.cfg.Sink.Send(ctx, sink.NewEvent(typ, e.PageURL(), data)); err != nil {
		e.logger.Warn("savewatch: event not delivered", "type", typ, "error", err)
	}
}

func (e *Engine) observe(op string, ok bool, d time.Duration) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.Observe(op, ok, d)
	}
}

// observedFetcher times catalog fetches.
type observedFetcher struct {
	f       detect.Fetcher
	observe func(op string, ok bool, d time.Duration)
}

func (o observedFetcher) Fetch(ctx context.Context, primaryID string) (*catalog.Catalog, error) {
	start := time.Now()
	cat, err := o.f.Fetch(ctx, primaryID)
	o.observe("catalog_fetch", err == nil, time.Since(start))
	return cat, err
}

// sleep waits d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
