// Package pipeline saves one gallery item: generation metadata, the
// full-resolution asset, then the durable record and the SAVED badge.
// Steps degrade independently; the record is always committed.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/savewatch/internal/annotate"
	"github.com/hazyhaar/savewatch/internal/blob"
	"github.com/hazyhaar/savewatch/internal/catalog"
	"github.com/hazyhaar/savewatch/internal/detect"
	"github.com/hazyhaar/savewatch/internal/safeio"
	"github.com/hazyhaar/savewatch/internal/sink"
	"github.com/hazyhaar/savewatch/record"
)

// ErrInFlight is returned when the same id is already being saved.
var ErrInFlight = errors.New("pipeline: save already in flight")

// Step names used in Result.Steps.
const (
	StepMetadata = "metadata"
	StepAsset    = "asset"
	StepCommit   = "commit"
	StepMark     = "mark"
)

// Activation is a click on an unsaved badge.
type Activation struct {
	ID         string `json:"id"`
	PreviewSrc string `json:"src"`
}

// ContextView exposes the detector's current model context.
type ContextView interface {
	View() detect.View
}

// Recorder commits saved records.
type Recorder interface {
	Upsert(ctx context.Context, rec record.Record) (record.Record, error)
}

// Marker flips on-page badges to SAVED.
type Marker interface {
	SetSaved(ctx context.Context, id string) (int, error)
}

// URLSaver hands a URL to the browser's own download machinery. The file
// name is a hint the browser may ignore.
type URLSaver interface {
	SaveURL(ctx context.Context, url, name string) error
}

// Config for creating a Pipeline.
type Config struct {
	// BaseURL of the metadata API. Default: catalog.DefaultBaseURL.
	BaseURL   string
	Client    *http.Client
	UserAgent string

	Context  ContextView
	Store    Recorder
	Marker   Marker
	Blobs    blob.Store
	Fallback URLSaver // optional
	Sink     sink.Sink
	// PageURL reports the page the save happened on, for events.
	PageURL func() string
	Logger  *slog.Logger
}

// Pipeline runs saves. Safe for concurrent use; runs for different ids
// interleave freely.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.BaseURL == "" {
		cfg.BaseURL = catalog.DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Sink == nil {
		cfg.Sink = sink.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger, inFlight: make(map[string]struct{})}
}

// Result describes one completed run.
type Result struct {
	ID          string        `json:"id"`
	Base        string        `json:"base"`
	Record      record.Record `json:"record"`
	MetadataKey string        `json:"metadata_key,omitempty"`
	AssetKey    string        `json:"asset_key,omitempty"`
	AssetURL    string        `json:"asset_url"`
	Fallback    bool          `json:"fallback"`
	Marked      int           `json:"marked"`
	Steps       []StepError   `json:"-"`
}

// StepError is the failure of one pipeline step.
type StepError struct {
	Step string
	Err  error
}

func (e StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e StepError) Unwrap() error { return e.Err }

// PartialFailure is returned, with a non-nil Result, when the record was
// committed but some steps failed.
type PartialFailure struct {
	ID    string
	Steps []StepError
}

func (e *PartialFailure) Error() string {
	parts := make([]string, len(e.Steps))
	for i, s := range e.Steps {
		parts[i] = s.Error()
	}
	return fmt.Sprintf("pipeline: save %s partially failed: %s", e.ID, strings.Join(parts, "; "))
}

func (e *PartialFailure) Unwrap() []error {
	out := make([]error, len(e.Steps))
	for i, s := range e.Steps {
		out[i] = s
	}
	return out
}

// Run saves one item.
func (p *Pipeline) Run(ctx context.Context, act Activation) (*Result, error) {
	if act.ID == "" {
		return nil, fmt.Errorf("pipeline: empty id")
	}
	if !p.acquire(act.ID) {
		return nil, ErrInFlight
	}
	defer p.release(act.ID)

	view := p.cfg.Context.View()
	target := Target(view)
	res := &Result{ID: act.ID, Base: Prefix(target) + "_" + act.ID}
	log := p.logger.With("id", act.ID, "base", res.Base)
	log.Info("pipeline: save started")

	fail := func(step string, err error) {
		res.Steps = append(res.Steps, StepError{Step: step, Err: err})
		log.Warn("pipeline: step failed", "step", step, "error", err)
	}

	// Metadata.
	var mid, vid string
	gen, err := p.fetchGeneration(ctx, act.ID)
	if err != nil {
		fail(StepMetadata, err)
	} else {
		mid, vid = gen.ModelID, gen.VersionID
		key := res.Base + ".json"
		if err := p.putJSON(ctx, key, gen.artifact()); err != nil {
			fail(StepMetadata, err)
		} else {
			res.MetadataKey = key
		}
	}

	// Asset.
	assetURL, ext, err := annotate.AssetURL(act.PreviewSrc, act.ID)
	if err != nil {
		fail(StepAsset, err)
	} else {
		res.AssetURL = assetURL
		name := res.Base + "." + ext
		if err := p.putAsset(ctx, assetURL, name); err != nil {
			fail(StepAsset, err)
			if ferr := p.fallback(ctx, assetURL, name); ferr != nil {
				fail(StepAsset, ferr)
			} else {
				res.Fallback = true
				log.Info("pipeline: asset handed to browser download", "url", assetURL)
			}
		} else {
			res.AssetKey = name
		}
	}

	// Commit. Best-effort attribution when the metadata carried no model.
	if mid == "" && view.Cached {
		if target != nil {
			vid = target.ID
		}
		mid = view.Primary
	}
	rec, err := p.cfg.Store.Upsert(ctx, record.Record{
		ID:                act.ID,
		PrimaryContextID:  mid,
		SecondaryFilterID: vid,
		SourceURL:         res.AssetURL,
	})
	if err != nil {
		fail(StepCommit, err)
	}
	res.Record = rec
	if p.cfg.Marker != nil {
		n, err := p.cfg.Marker.SetSaved(ctx, act.ID)
		if err != nil {
			fail(StepMark, err)
		}
		res.Marked = n
	}

	pageURL := ""
	if p.cfg.PageURL != nil {
		pageURL = p.cfg.PageURL()
	}
	if err := p.cfg.Sink.Send(ctx, sink.NewEvent(sink.TypeSaved, pageURL, savedEvent(res))); err != nil {
		log.Warn("pipeline: saved event not delivered", "error", err)
	}

	if len(res.Steps) > 0 {
		return res, &PartialFailure{ID: act.ID, Steps: res.Steps}
	}
	log.Info("pipeline: saved", "model_id", rec.PrimaryContextID, "version_id", rec.SecondaryFilterID)
	return res, nil
}

func (p *Pipeline) acquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[id]; busy {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Pipeline) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: encode %s: %w", key, err)
	}
	if p.cfg.Blobs == nil {
		return fmt.Errorf("pipeline: no artifact store")
	}
	if _, err := p.cfg.Blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: "application/json"}); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) putAsset(ctx context.Context, assetURL, key string) error {
	if p.cfg.Blobs == nil {
		return fmt.Errorf("pipeline: no artifact store")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return fmt.Errorf("pipeline: asset request: %w", err)
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: asset fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pipeline: asset fetch: status %d", resp.StatusCode)
	}
	data, err := safeio.LimitedReadAll(resp.Body, safeio.MaxAssetBody)
	if err != nil {
		return fmt.Errorf("pipeline: asset read: %w", err)
	}
	_, err = p.cfg.Blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: resp.Header.Get("Content-Type"),
		Metadata:    map[string]string{"source-url": assetURL},
	})
	return err
}

func (p *Pipeline) fallback(ctx context.Context, assetURL, name string) error {
	if p.cfg.Fallback == nil {
		return fmt.Errorf("pipeline: no fallback saver")
	}
	if err := p.cfg.Fallback.SaveURL(ctx, assetURL, name); err != nil {
		return fmt.Errorf("pipeline: fallback download: %w", err)
	}
	return nil
}

func savedEvent(res *Result) map[string]any {
	steps := make([]string, len(res.Steps))
	for i, s := range res.Steps {
		steps[i] = s.Error()
	}
	return map[string]any{
		"record":       res.Record,
		"base":         res.Base,
		"metadata_key": res.MetadataKey,
		"asset_key":    res.AssetKey,
		"fallback":     res.Fallback,
		"failed_steps": steps,
	}
}
