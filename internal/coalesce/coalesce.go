// Package coalesce collapses bursts of triggers into single runs of a
// function: a pending flag plus one trailing run, never two runs at once.
package coalesce

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats counts what a Runner did.
type Stats struct {
	Triggers  int64 `json:"triggers"`
	Runs      int64 `json:"runs"`
	Coalesced int64 `json:"coalesced"`
}

// Runner runs fn at most once per window after a trigger. Triggers that
// arrive while fn is running set the pending flag and produce exactly one
// trailing run.
type Runner struct {
	name    string
	window  time.Duration
	fn      func(context.Context)
	pending chan struct{}
	flush   chan struct{}
	logger  *slog.Logger

	triggers  atomic.Int64
	runs      atomic.Int64
	coalesced atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithName labels the runner in logs.
func WithName(name string) Option {
	return func(r *Runner) { r.name = name }
}

// New creates a Runner. window <= 0 runs on the next loop turn.
func New(window time.Duration, fn func(context.Context), opts ...Option) *Runner {
	r := &Runner{
		name:    "coalesce",
		window:  window,
		fn:      fn,
		pending: make(chan struct{}, 1),
		flush:   make(chan struct{}, 1),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Trigger requests a run. It never blocks.
func (r *Runner) Trigger() {
	r.triggers.Add(1)
	select {
	case r.pending <- struct{}{}:
	default:
		r.coalesced.Add(1)
	}
}

// Flush requests a run that skips the window.
func (r *Runner) Flush() {
	r.triggers.Add(1)
	select {
	case r.flush <- struct{}{}:
	default:
		r.coalesced.Add(1)
	}
}

// Stats returns the counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Triggers:  r.triggers.Load(),
		Runs:      r.runs.Load(),
		Coalesced: r.coalesced.Load(),
	}
}

// Run is the loop. It returns when ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		st := r.Stats()
		r.logger.Debug("coalesce: stopped", "name", r.name,
			"triggers", st.Triggers, "runs", st.Runs, "coalesced", st.Coalesced)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.flush:
		case <-r.pending:
			if !r.wait(ctx) {
				return nil
			}
		}
		r.drain()
		r.runs.Add(1)
		r.fn(ctx)
	}
}

// wait holds the window open, absorbing triggers. A flush ends it early.
func (r *Runner) wait(ctx context.Context) bool {
	if r.window <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(r.window)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.pending:
			r.coalesced.Add(1)
		case <-r.flush:
			return true
		case <-timer.C:
			return true
		}
	}
}

// drain clears a pending flag set before the run starts; it is covered by
// this run.
func (r *Runner) drain() {
	select {
	case <-r.pending:
		r.coalesced.Add(1)
	default:
	}
	select {
	case <-r.flush:
		r.coalesced.Add(1)
	default:
	}
}
