package detect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hazyhaar/savewatch/internal/catalog"
	"github.com/hazyhaar/savewatch/internal/pagectx"
)

type fakeResolver struct {
	mu  sync.Mutex
	cur pagectx.Context
}

func (f *fakeResolver) set(p, s string) {
	f.mu.Lock()
	f.cur = pagectx.Context{Primary: p, Secondary: s}
	f.mu.Unlock()
}

func (f *fakeResolver) Resolve(context.Context) (pagectx.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur, nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, id string) (*catalog.Catalog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	return &catalog.Catalog{
		PrimaryID: id,
		Name:      "model " + id,
		Versions: []catalog.Version{
			{ID: "v1", Name: "one", Files: []catalog.File{{Name: "one.safetensors", Primary: true}}},
			{ID: "v2", Name: "two"},
		},
	}, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newDetector(r *fakeResolver, f *fakeFetcher) *Detector {
	return New(Config{Resolver: r, Fetcher: f, Window: 5 * time.Millisecond})
}

func TestRouting(t *testing.T) {
	ctx := context.Background()
	r, f := &fakeResolver{}, &fakeFetcher{}
	d := newDetector(r, f)

	r.set("A", "v1")
	if dec, err := d.Evaluate(ctx); err != nil || dec != Refetch {
		t.Fatalf("first = %v, %v", dec, err)
	}
	if f.count() != 1 {
		t.Fatalf("fetches = %d", f.count())
	}

	// Secondary-only change: re-derive from cache, no network.
	r.set("A", "v2")
	dec, err := d.Evaluate(ctx)
	if err != nil || dec != Rederive {
		t.Fatalf("secondary change = %v, %v", dec, err)
	}
	if f.count() != 1 {
		t.Errorf("secondary change fetched: %d", f.count())
	}
	v := d.View()
	if v.Secondary != "v2" || len(v.Entries) != 1 || v.Entries[0].ID != "v2" {
		t.Errorf("view = %+v", v)
	}

	// Unchanged.
	if dec, _ := d.Evaluate(ctx); dec != NoOp {
		t.Errorf("unchanged = %v", dec)
	}

	// Primary change: exactly one fetch.
	r.set("B", "v1")
	if dec, _ := d.Evaluate(ctx); dec != Refetch {
		t.Errorf("primary change = %v", dec)
	}
	if f.count() != 2 || f.calls[1] != "B" {
		t.Errorf("calls = %v", f.calls)
	}
	if v := d.View(); v.Primary != "B" || v.Name != "model B" {
		t.Errorf("view = %+v", v)
	}
}

func TestAbsentSecondaryKeepsAllEntries(t *testing.T) {
	r, f := &fakeResolver{}, &fakeFetcher{}
	d := newDetector(r, f)
	r.set("A", "")
	if _, err := d.Evaluate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v := d.View(); len(v.Entries) != 2 {
		t.Errorf("entries = %+v", v.Entries)
	}
	// Secondary disappearing is not a change.
	r.set("", "")
	if dec, _ := d.Evaluate(context.Background()); dec != NoOp {
		t.Errorf("absent context = %v", dec)
	}
}

func TestFailedFetchLeavesState(t *testing.T) {
	ctx := context.Background()
	r, f := &fakeResolver{}, &fakeFetcher{}
	var failed []string
	d := New(Config{
		Resolver: r, Fetcher: f,
		OnFetchFailed: func(_ context.Context, id string, _ error) { failed = append(failed, id) },
	})

	r.set("A", "v1")
	if _, err := d.Evaluate(ctx); err != nil {
		t.Fatal(err)
	}
	before := d.View()

	f.err = catalog.ErrFetchFailed
	r.set("B", "v2")
	dec, err := d.Evaluate(ctx)
	if !errors.Is(err, catalog.ErrFetchFailed) || dec != NoOp {
		t.Fatalf("failed fetch = %v, %v", dec, err)
	}
	after := d.View()
	if after.Primary != before.Primary || after.Secondary != before.Secondary ||
		after.Name != before.Name || len(after.Entries) != len(before.Entries) {
		t.Errorf("state changed: %+v -> %+v", before, after)
	}
	if len(failed) != 1 || failed[0] != "B" {
		t.Errorf("OnFetchFailed calls = %v", failed)
	}

	// Same context again: no automatic retry, even after the endpoint heals.
	f.err = nil
	for i := 0; i < 3; i++ {
		if dec, err := d.Evaluate(ctx); dec != NoOp || err != nil {
			t.Fatalf("evaluation %d after failure = %v, %v", i, dec, err)
		}
	}
	if got := f.count(); got != 2 {
		t.Errorf("fetches after failure = %d, want 2", got)
	}
	if got := d.View().Primary; got != "A" {
		t.Errorf("primary after failure = %q, want A", got)
	}
}

func TestFailedFetchRetriedOnlyOnRefresh(t *testing.T) {
	ctx := context.Background()
	r := &fakeResolver{}
	f := &fakeFetcher{err: catalog.ErrFetchFailed}
	d := newDetector(r, f)

	r.set("A", "v1")
	for i := 0; i < 3; i++ {
		d.Evaluate(ctx)
	}
	if got := f.count(); got != 1 {
		t.Fatalf("fetches for an unchanged context = %d, want 1", got)
	}

	// A different model is fetched.
	r.set("B", "v2")
	d.Evaluate(ctx)
	if got := f.count(); got != 2 {
		t.Fatalf("fetches after model change = %d, want 2", got)
	}

	f.err = nil
	d.force.Store(true)
	if dec, err := d.Evaluate(ctx); dec != Refetch || err != nil {
		t.Fatalf("forced evaluation = %v, %v", dec, err)
	}
	if got := d.View().Primary; got != "B" {
		t.Errorf("primary after refresh = %q, want B", got)
	}
	if dec, _ := d.Evaluate(ctx); dec != NoOp {
		t.Errorf("evaluation after refresh = %v, want noop", dec)
	}
}

func TestRefreshForcesRefetch(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, f := &fakeResolver{}, &fakeFetcher{}
	d := newDetector(r, f)
	r.set("A", "")
	if _, err := d.Evaluate(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	d.Refresh()
	deadline := time.Now().Add(2 * time.Second)
	for f.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if f.count() != 2 {
		t.Errorf("fetches = %d, want 2", f.count())
	}
}

func TestTriggerCoalesces(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, f := &fakeResolver{}, &fakeFetcher{}
	changes := make(chan Decision, 8)
	d := New(Config{
		Resolver: r, Fetcher: f, Window: 20 * time.Millisecond,
		OnChange: func(_ context.Context, dec Decision, _ View) { changes <- dec },
	})
	r.set("A", "v1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	for range 10 {
		d.Trigger()
	}
	select {
	case dec := <-changes:
		if dec != Refetch {
			t.Errorf("decision = %v", dec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no evaluation")
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if f.count() != 1 {
		t.Errorf("fetches = %d, want 1", f.count())
	}
	if st := d.Stats(); st.Evaluations != 1 || st.Trigger.Triggers != 10 {
		t.Errorf("stats = %+v", st)
	}
}
