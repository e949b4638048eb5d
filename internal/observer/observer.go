// Package observer turns browser activity on the gallery tab into session
// signals: content bursts from an injected MutationObserver, navigation
// commits from CDP page events, and badge clicks through a runtime binding.
package observer

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// BindingName is the page-side function hooks.js reports through.
const BindingName = "__savewatch_binding"

//go:embed hooks.js
var hooksJS string

// Activation is a click on an unsaved badge.
type Activation struct {
	ID  string `json:"id"`
	Src string `json:"src"`
}

// Handler receives signals. Calls are made from the event goroutine, so
// implementations must not block.
type Handler interface {
	// OnMutation reports a burst that added nodes to the page.
	OnMutation(ctx context.Context, added int)
	// OnNavigate reports a committed navigation. full is false for
	// same-document (history API) navigations.
	OnNavigate(ctx context.Context, url string, full bool)
	// OnActivate reports a badge activation.
	OnActivate(ctx context.Context, act Activation)
}

// Signal is one decoded binding payload.
type Signal struct {
	Kind  string `json:"kind"`
	Added int    `json:"added"`
	ID    string `json:"id"`
	Src   string `json:"src"`
}

// ParsePayload decodes a binding payload.
func ParsePayload(payload string) (Signal, error) {
	var s Signal
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return Signal{}, fmt.Errorf("observer: payload: %w", err)
	}
	switch s.Kind {
	case "mutation":
	case "activate":
		if s.ID == "" {
			return Signal{}, fmt.Errorf("observer: activation without id")
		}
	default:
		return Signal{}, fmt.Errorf("observer: unknown signal %q", s.Kind)
	}
	return s, nil
}

// Config for creating an Observer.
type Config struct {
	Page    *rod.Page
	Handler Handler
	Logger  *slog.Logger
}

// Observer watches one tab.
type Observer struct {
	page    *rod.Page
	handler Handler
	logger  *slog.Logger
}

// New creates an Observer.
func New(cfg Config) *Observer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Observer{page: cfg.Page, handler: cfg.Handler, logger: cfg.Logger}
}

// Run installs the hooks and delivers signals until ctx is done.
func (o *Observer) Run(ctx context.Context) error {
	if err := (proto.PageEnable{}).Call(o.page); err != nil {
		return fmt.Errorf("observer: page enable: %w", err)
	}
	if err := (proto.RuntimeAddBinding{Name: BindingName}).Call(o.page); err != nil {
		o.logger.Warn("observer: addBinding failed (may already exist)", "error", err)
	}
	// New documents install the hooks themselves; the current one needs
	// an explicit injection.
	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{Source: hooksJS}).Call(o.page); err != nil {
		return fmt.Errorf("observer: register hooks: %w", err)
	}
	if err := o.inject(ctx); err != nil {
		return err
	}

	mainFrame := o.page.FrameID
	wait := o.page.Context(ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != BindingName {
				return
			}
			o.dispatch(ctx, e.Payload)
		},
		func(e *proto.PageNavigatedWithinDocument) {
			if mainFrame != "" && e.FrameID != mainFrame {
				return
			}
			o.logger.Debug("observer: same-document navigation", "url", e.URL)
			o.handler.OnNavigate(ctx, e.URL, false)
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			o.logger.Info("observer: navigation", "url", e.Frame.URL)
			go func() {
				if err := o.inject(ctx); err != nil && ctx.Err() == nil {
					o.logger.Warn("observer: re-inject hooks failed", "error", err)
				}
			}()
			o.handler.OnNavigate(ctx, e.Frame.URL, true)
		},
	)
	wait()
	return ctx.Err()
}

func (o *Observer) inject(ctx context.Context) error {
	if _, err := o.page.Context(ctx).Eval(`() => {` + hooksJS + `}`); err != nil {
		return fmt.Errorf("observer: inject hooks: %w", err)
	}
	return nil
}

func (o *Observer) dispatch(ctx context.Context, payload string) {
	dispatch(ctx, o.handler, o.logger, payload)
}

func dispatch(ctx context.Context, h Handler, logger *slog.Logger, payload string) {
	s, err := ParsePayload(payload)
	if err != nil {
		logger.Warn("observer: bad binding payload", "error", err)
		return
	}
	switch s.Kind {
	case "mutation":
		h.OnMutation(ctx, s.Added)
	case "activate":
		logger.Info("observer: badge activated", "id", s.ID)
		h.OnActivate(ctx, Activation{ID: s.ID, Src: s.Src})
	}
}
