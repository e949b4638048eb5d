// Package panel is the operator surface of a session: an HTTP API for
// export, import, manual reconcile and status, plus a drop folder that
// imports files written into it.
package panel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/savewatch/internal/annotate"
	"github.com/hazyhaar/savewatch/internal/detect"
	"github.com/hazyhaar/savewatch/internal/sink"
	"github.com/hazyhaar/savewatch/internal/store"
	"github.com/hazyhaar/savewatch/record"
)

// MaxImportBody caps an uploaded import file.
const MaxImportBody int64 = 64 << 20

// Records is the part of the RecordStore the panel drives.
type Records interface {
	Len() int
	Export(w io.Writer) (int, error)
	Import(ctx context.Context, data []byte, mode record.MergeMode) (record.MergeReport, error)
}

// Detector exposes the current model context.
type Detector interface {
	View() detect.View
	Stats() detect.Stats
	Refresh()
}

// Annotator re-derives on-page marks.
type Annotator interface {
	Reconcile(ctx context.Context) (annotate.Pass, error)
	Refresh(ctx context.Context) (annotate.Pass, error)
}

// Events queries the persisted operation log.
type Events interface {
	Query(ctx context.Context, f sink.JournalFilter) ([]sink.Event, error)
}

// Config for creating a Panel.
type Config struct {
	Records   Records
	Detector  Detector  // optional
	Annotator Annotator // optional
	Events    Events    // optional
	Sink      sink.Sink // optional
	Metrics   http.Handler
	// Observe records operation outcomes. Optional.
	Observe func(op string, ok bool, d time.Duration)
	Now     func() time.Time
	Logger  *slog.Logger
}

// Panel serves the operator API.
type Panel struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Panel.
func New(cfg Config) *Panel {
	if cfg.Sink == nil {
		cfg.Sink = sink.Discard{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observe == nil {
		cfg.Observe = func(string, bool, time.Duration) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Panel{cfg: cfg, logger: cfg.Logger}
}

// Handler builds the router.
func (p *Panel) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, headToGet, securityHeaders, p.requestLog)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if p.cfg.Metrics != nil {
		r.Handle("/metrics", p.cfg.Metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", p.handleStats)
		r.Get("/catalog", p.handleCatalog)
		r.Get("/export", p.handleExport)
		r.Post("/import", p.handleImport)
		r.Post("/reconcile", p.handleReconcile)
		r.Get("/events", p.handleEvents)
	})
	return r
}

// Stats is the /api/stats payload.
type Stats struct {
	Records   int           `json:"records"`
	Primary   string        `json:"primary"`
	Secondary string        `json:"secondary"`
	Model     string        `json:"model"`
	Entries   int           `json:"entries"`
	Detector  *detect.Stats `json:"detector,omitempty"`
}

func (p *Panel) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := Stats{Records: p.cfg.Records.Len()}
	if d := p.cfg.Detector; d != nil {
		v := d.View()
		ds := d.Stats()
		st.Primary, st.Secondary, st.Model, st.Entries = v.Primary, v.Secondary, v.Name, len(v.Entries)
		st.Detector = &ds
	}
	writeJSON(w, http.StatusOK, st)
}

func (p *Panel) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	if p.cfg.Detector == nil {
		writeJSON(w, http.StatusOK, detect.View{})
		return
	}
	writeJSON(w, http.StatusOK, p.cfg.Detector.View())
}

func (p *Panel) handleExport(w http.ResponseWriter, _ *http.Request) {
	name := store.ExportFileName(p.cfg.Now())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	n, err := p.cfg.Records.Export(w)
	if err != nil {
		p.logger.Error("panel: export failed", "error", err)
		return
	}
	p.logger.Info("panel: exported", "records", n, "file", name)
}

func (p *Panel) handleImport(w http.ResponseWriter, r *http.Request) {
	mode, err := ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxImportBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	rep, err := p.Import(r.Context(), data, mode, "http")
	switch {
	case errors.Is(err, store.ErrMalformedImport):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (p *Panel) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if p.cfg.Detector != nil {
		p.cfg.Detector.Refresh()
	}
	if p.cfg.Annotator == nil {
		writeJSON(w, http.StatusOK, annotate.Pass{})
		return
	}
	start := time.Now()
	pass, err := p.cfg.Annotator.Reconcile(r.Context())
	p.cfg.Observe("reconcile", err == nil, time.Since(start))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, pass)
}

func (p *Panel) handleEvents(w http.ResponseWriter, r *http.Request) {
	if p.cfg.Events == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("panel: no event journal configured"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	evs, err := p.cfg.Events.Query(r.Context(), sink.JournalFilter{Type: r.URL.Query().Get("type"), Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if evs == nil {
		evs = []sink.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// ParseMode maps the mode query parameter; empty means merge.
func ParseMode(s string) (record.MergeMode, error) {
	if s == "" {
		return record.Merge, nil
	}
	return record.ParseMergeMode(s)
}

// Import merges data into the store, then resets and re-derives every mark
// so badges match the new state. source names the origin for logs.
func (p *Panel) Import(ctx context.Context, data []byte, mode record.MergeMode, source string) (record.MergeReport, error) {
	start := time.Now()
	rep, err := p.cfg.Records.Import(ctx, data, mode)
	p.cfg.Observe("import", err == nil, time.Since(start))
	if err != nil {
		p.logger.Warn("panel: import failed", "source", source, "mode", string(mode), "error", err)
		// Not persisted still means applied in memory: badges must follow.
		if !errors.Is(err, store.ErrNotPersisted) {
			return rep, err
		}
	}
	if p.cfg.Annotator != nil {
		if _, rerr := p.cfg.Annotator.Refresh(ctx); rerr != nil {
			p.logger.Warn("panel: re-annotation after import failed", "error", rerr)
		}
	}
	ev := sink.NewEvent(sink.TypeImport, "", map[string]any{"source": source, "mode": mode, "report": rep})
	if serr := p.cfg.Sink.Send(ctx, ev); serr != nil {
		p.logger.Warn("panel: import event not delivered", "error", serr)
	}
	return rep, err
}
