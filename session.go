// Package savewatch watches a model gallery page in Chrome, marks every
// image with a SAVE / SAVED badge and saves activated images with their
// generation metadata.
//
// A Session owns the browser, the record store, the artifact store, the
// event sinks and the operator panel. Each browser tab gets a fresh Engine;
// Chrome recycles tear the tab down and a new one is opened on the same
// page.
package savewatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/savewatch/internal/annotate"
	"github.com/hazyhaar/savewatch/internal/blob"
	"github.com/hazyhaar/savewatch/internal/browser"
	"github.com/hazyhaar/savewatch/internal/config"
	"github.com/hazyhaar/savewatch/internal/detect"
	"github.com/hazyhaar/savewatch/internal/metrics"
	"github.com/hazyhaar/savewatch/internal/observer"
	"github.com/hazyhaar/savewatch/internal/page"
	"github.com/hazyhaar/savewatch/internal/panel"
	"github.com/hazyhaar/savewatch/internal/store"
)

// ErrNoTab is returned by panel operations while no tab is open.
var ErrNoTab = errors.New("savewatch: no active tab")

// reopenDelay paces tab reopen attempts after a failure.
const reopenDelay = 10 * time.Second

// Session runs savewatch against one gallery tab.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	closeStore func() error
	blobs      blob.Store
	sinks      *Sinks
	metrics    *metrics.Recorder
	panel      *panel.Panel
	mgr        *browser.Manager

	recycled chan struct{}

	mu        sync.Mutex
	engine    *Engine
	cancelTab context.CancelFunc
}

// New opens the stores and sinks described by cfg. Chrome is launched by Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageURL == "" {
		return nil, errors.New("savewatch: page_url is required")
	}
	mode, err := browser.ParseMode(cfg.Browser.Mode)
	if err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg, logger: logger, recycled: make(chan struct{}, 1)}

	s.store, s.closeStore, err = OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	s.blobs, err = OpenBlobs(ctx, cfg.Blob)
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("savewatch: open blobs: %w", err)
	}
	s.sinks, err = OpenSinks(cfg.Sinks, logger)
	if err != nil {
		s.closeStore()
		return nil, err
	}
	s.metrics = metrics.New(s.store.Len)
	s.sinks.Router.Add(s.metrics)

	pcfg := panel.Config{
		Records:   s.store,
		Detector:  liveDetector{s},
		Annotator: liveAnnotator{s},
		Sink:      s.sinks.Router,
		Metrics:   s.metrics.Handler(),
		Observe:   s.metrics.Observe,
		Logger:    logger,
	}
	if s.sinks.Journal != nil {
		pcfg.Events = s.sinks.Journal
	}
	s.panel = panel.New(pcfg)

	s.mgr = browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		UserDataDir:      cfg.Browser.UserDataDir,
		DownloadDir:      cfg.Browser.DownloadDir,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Mode:             mode,
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		Logger:           logger,
	})
	return s, nil
}

// Store returns the session's record store.
func (s *Session) Store() *store.Store { return s.store }

// Run launches Chrome, serves the panel and the drop folder, and keeps a
// gallery tab open until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if _, err := s.mgr.Start(ctx); err != nil {
		return fmt.Errorf("savewatch: start browser: %w", err)
	}
	s.mgr.SetRecycleCallback(&browser.RecycleCallback{
		BeforeRecycle: func() {
			s.mu.Lock()
			if s.cancelTab != nil {
				s.cancelTab()
			}
			s.mu.Unlock()
		},
		AfterRecycle: func(*rod.Browser) {
			select {
			case s.recycled <- struct{}{}:
			default:
			}
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.serve(gctx) })
	if s.cfg.Panel.DropDir != "" {
		drop, err := panel.NewDropFolder(s.cfg.Panel.DropDir, s.panel)
		if err != nil {
			return err
		}
		g.Go(func() error { return drop.Run(gctx) })
	}
	g.Go(func() error { return s.tabLoop(gctx) })
	return g.Wait()
}

// Close shuts Chrome down and releases the stores and sinks.
func (s *Session) Close() error {
	errs := []error{s.mgr.Close(), s.sinks.Router.Close(), s.closeStore()}
	return errors.Join(errs...)
}

func (s *Session) tabLoop(ctx context.Context) error {
	for {
		err := s.runTab(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var retry <-chan time.Time
		if err != nil {
			s.logger.Warn("savewatch: tab stopped", "error", err)
			retry = time.After(reopenDelay)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.recycled:
		case <-retry:
		}
		s.logger.Info("savewatch: reopening tab", "url", s.cfg.PageURL)
	}
}

// runTab opens the gallery, wires an Engine and an Observer to it and
// blocks until the tab context ends.
func (s *Session) runTab(ctx context.Context) error {
	tabCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelTab = cancel
	s.mu.Unlock()

	tab, err := browser.OpenTab(tabCtx, s.mgr, s.cfg.PageURL)
	if err != nil {
		return err
	}
	defer tab.Close()

	eng, err := NewEngine(EngineConfig{
		Doc:       page.NewRodDocument(tab.Page),
		Store:     s.store,
		Blobs:     s.blobs,
		Fallback:  tab,
		Sink:      s.sinks.Router,
		Metrics:   s.metrics,
		APIBase:   s.cfg.APIBase,
		UserAgent: s.cfg.UserAgent,
		Timing: Timing{
			DetectWindow:  s.cfg.Timing.DetectWindow,
			FrameWindow:   s.cfg.Timing.FrameWindow,
			StartDelay:    s.cfg.Timing.StartDelay,
			NavigateDelay: s.cfg.Timing.NavigateDelay,
		},
		Logger: s.logger.With("tab", tab.PageURL),
	})
	if err != nil {
		return err
	}
	s.setEngine(eng)
	defer s.setEngine(nil)

	obs := observer.New(observer.Config{Page: tab.Page, Handler: eng, Logger: s.logger})

	g, gctx := errgroup.WithContext(tabCtx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return obs.Run(gctx) })
	err = g.Wait()
	if tabCtx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Panel.Addr,
		Handler:           s.panel.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("savewatch: panel listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("savewatch: panel: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("savewatch: panel shutdown", "error", err)
	}
	return nil
}

func (s *Session) setEngine(e *Engine) {
	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()
}

func (s *Session) currentEngine() *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// liveDetector forwards panel calls to the current tab's detector.
type liveDetector struct{ s *Session }

func (d liveDetector) View() detect.View {
	if e := d.s.currentEngine(); e != nil {
		return e.Detector().View()
	}
	return detect.View{}
}

func (d liveDetector) Stats() detect.Stats {
	if e := d.s.currentEngine(); e != nil {
		return e.Detector().Stats()
	}
	return detect.Stats{}
}

func (d liveDetector) Refresh() {
	if e := d.s.currentEngine(); e != nil {
		e.Detector().Refresh()
	}
}

// liveAnnotator forwards panel calls to the current tab's reconciler.
type liveAnnotator struct{ s *Session }

func (a liveAnnotator) Reconcile(ctx context.Context) (annotate.Pass, error) {
	if e := a.s.currentEngine(); e != nil {
		return e.Reconciler().Reconcile(ctx)
	}
	return annotate.Pass{}, ErrNoTab
}

func (a liveAnnotator) Refresh(ctx context.Context) (annotate.Pass, error) {
	if e := a.s.currentEngine(); e != nil {
		return e.Reconciler().Refresh(ctx)
	}
	return annotate.Pass{}, ErrNoTab
}
