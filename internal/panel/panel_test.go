package panel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hazyhaar/savewatch/internal/annotate"
	"github.com/hazyhaar/savewatch/internal/catalog"
	"github.com/hazyhaar/savewatch/internal/detect"
	"github.com/hazyhaar/savewatch/internal/sink"
	"github.com/hazyhaar/savewatch/internal/store"
	"github.com/hazyhaar/savewatch/record"
)

type fakeDetector struct {
	mu        sync.Mutex
	refreshes int
}

func (f *fakeDetector) View() detect.View {
	return detect.View{Primary: "45", Secondary: "67", Name: "Cool Model", Cached: true,
		Entries: []catalog.Entry{{ID: "67", Name: "v2"}}}
}
func (f *fakeDetector) Stats() detect.Stats { return detect.Stats{Evaluations: 3} }
func (f *fakeDetector) Refresh() {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
}

type fakeAnnotator struct {
	mu         sync.Mutex
	reconciles int
	refreshes  int
}

func (f *fakeAnnotator) Reconcile(context.Context) (annotate.Pass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles++
	return annotate.Pass{Scanned: 4, Marked: 2}, nil
}

func (f *fakeAnnotator) Refresh(context.Context) (annotate.Pass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return annotate.Pass{}, nil
}

type harness struct {
	store  *store.Store
	det    *fakeDetector
	ann    *fakeAnnotator
	mu     sync.Mutex
	events []sink.Event
	panel  *Panel
	srv    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithSlot(t, &store.MemorySlot{})
}

func newHarnessWithSlot(t *testing.T, slot store.Slot) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), slot,
		store.WithClock(func() time.Time { return time.UnixMilli(1000) }))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{store: st, det: &fakeDetector{}, ann: &fakeAnnotator{}}
	h.panel = New(Config{
		Records:   st,
		Detector:  h.det,
		Annotator: h.ann,
		Sink: sink.NewCallback(func(_ context.Context, ev sink.Event) error {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
			return nil
		}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "savewatch_records 0\n") }),
		Now:     func() time.Time { return time.Date(2024, 2, 24, 23, 0, 0, 0, time.UTC) },
	})
	h.srv = httptest.NewServer(h.panel.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Type
	}
	return out
}

func (f *fakeAnnotator) counts() (reconciles, refreshes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconciles, f.refreshes
}

func (f *fakeDetector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (h *harness) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := h.srv.Client().Post(h.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (h *harness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := h.srv.Client().Get(h.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestImportExportRoundTrip(t *testing.T) {
	h := newHarness(t)

	resp, body := h.post(t, "/api/import?mode=merge", `[{"id":1,"mid":2,"vid":null,"url":"u1","ts":5},{"id":"3","ts":6},{"id":0}]`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status %d: %s", resp.StatusCode, body)
	}
	var rep record.MergeReport
	json.Unmarshal(body, &rep)
	if rep.Added != 2 || rep.Skipped != 1 || rep.Total != 2 {
		t.Errorf("report = %+v", rep)
	}
	if _, refreshes := h.ann.counts(); refreshes != 1 {
		t.Errorf("marks not re-derived after import: %d", refreshes)
	}
	if types := h.eventTypes(); len(types) != 1 || types[0] != sink.TypeImport {
		t.Errorf("events = %v", types)
	}

	resp, body = h.get(t, "/api/export")
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "civitai_saved_2024-02-24.json") {
		t.Errorf("content-disposition = %q", cd)
	}
	var exported []record.Record
	if err := json.Unmarshal(body, &exported); err != nil {
		t.Fatal(err)
	}
	if len(exported) != 2 || exported[0].ID != "1" || exported[0].PrimaryContextID != "2" || exported[1].SavedAt != 6 {
		t.Errorf("exported = %+v", exported)
	}

	// Re-importing the export changes nothing.
	_, body = h.post(t, "/api/import", string(mustJSON(t, exported)))
	json.Unmarshal(body, &rep)
	if rep.Added != 0 || rep.Updated != 0 || rep.Unchanged != 2 {
		t.Errorf("idempotent re-import = %+v", rep)
	}
}

func TestImportUnpersistedStillRefreshes(t *testing.T) {
	h := newHarnessWithSlot(t, &store.MemorySlot{Err: errors.New("disk full")})

	rep, err := h.panel.Import(context.Background(), []byte(`[{"id":"5","ts":1}]`), record.Merge, "test")
	if !errors.Is(err, store.ErrNotPersisted) {
		t.Fatalf("err = %v, want ErrNotPersisted", err)
	}
	if rep.Added != 1 || !h.store.Has("5") {
		t.Errorf("report = %+v, has = %v", rep, h.store.Has("5"))
	}
	if _, refreshes := h.ann.counts(); refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}

	resp, _ := h.post(t, "/api/import", `[{"id":"6"}]`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if _, refreshes := h.ann.counts(); refreshes != 2 {
		t.Errorf("refreshes after http import = %d, want 2", refreshes)
	}
}

func TestImportRejections(t *testing.T) {
	h := newHarness(t)
	if resp, _ := h.post(t, "/api/import", `{"id":"1"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("object payload status = %d", resp.StatusCode)
	}
	if resp, _ := h.post(t, "/api/import?mode=upsert", `[]`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad mode status = %d", resp.StatusCode)
	}
	if _, refreshes := h.ann.counts(); h.store.Len() != 0 || refreshes != 0 || len(h.eventTypes()) != 0 {
		t.Error("rejected import had side effects")
	}
}

func TestReplaceImport(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/api/import", `[{"id":"1"},{"id":"2"}]`)
	_, body := h.post(t, "/api/import?mode=replace", `[{"id":"9","ts":1}]`)
	var rep record.MergeReport
	json.Unmarshal(body, &rep)
	if rep.Total != 1 || h.store.Has("1") || !h.store.Has("9") {
		t.Errorf("replace: report %+v, ids %v", rep, h.store.Load())
	}
}

func TestStatsCatalogReconcile(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/api/import", `[{"id":"1"}]`)

	_, body := h.get(t, "/api/stats")
	var st Stats
	json.Unmarshal(body, &st)
	if st.Records != 1 || st.Primary != "45" || st.Secondary != "67" || st.Model != "Cool Model" || st.Entries != 1 {
		t.Errorf("stats = %+v", st)
	}

	_, body = h.get(t, "/api/catalog")
	if !strings.Contains(string(body), `"model":"Cool Model"`) {
		t.Errorf("catalog = %s", body)
	}

	resp, body := h.post(t, "/api/reconcile", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"marked":2`) {
		t.Errorf("reconcile = %d %s", resp.StatusCode, body)
	}
	if reconciles, _ := h.ann.counts(); h.det.count() != 1 || reconciles != 1 {
		t.Errorf("refreshes = %d reconciles = %d", h.det.count(), reconciles)
	}
}

func TestHealthMetricsHeaders(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.get(t, "/health")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("health = %d %v", resp.StatusCode, resp.Header)
	}
	_, body := h.get(t, "/metrics")
	if !strings.Contains(string(body), "savewatch_records") {
		t.Errorf("metrics = %s", body)
	}
	req, _ := http.NewRequest(http.MethodHead, h.srv.URL+"/health", nil)
	head, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	head.Body.Close()
	if head.StatusCode != http.StatusOK {
		t.Errorf("HEAD /health = %d", head.StatusCode)
	}
	if resp, _ := h.get(t, "/api/events"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("events without journal = %d", resp.StatusCode)
	}
}

func TestDropFolder(t *testing.T) {
	defer goleak.VerifyNone(t)
	st, err := store.Open(context.Background(), &store.MemorySlot{})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{store: st}
	dir := t.TempDir()
	drop, err := NewDropFolder(dir, New(Config{Records: st}))
	if err != nil {
		t.Fatal(err)
	}
	drop.settle = 20 * time.Millisecond

	// Present before start.
	os.WriteFile(filepath.Join(dir, "merge", "a.json"), []byte(`[{"id":"1","ts":1}]`), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		drop.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return h.store.Has("1") })

	os.WriteFile(filepath.Join(dir, "replace", "b.json"), []byte(`[{"id":"2","ts":1}]`), 0o644)
	waitFor(t, func() bool { return h.store.Has("2") && !h.store.Has("1") })

	os.WriteFile(filepath.Join(dir, "merge", "bad.json"), []byte(`{"nope":true}`), 0o644)
	os.WriteFile(filepath.Join(dir, "merge", "notes.txt"), []byte(`ignored`), 0o644)
	waitFor(t, func() bool { return drop.Stats().Rejected == 1 })

	cancel()
	<-done

	if st := drop.Stats(); st.Imported != 2 {
		t.Errorf("stats = %+v", st)
	}
	moved, _ := os.ReadDir(filepath.Join(dir, "done"))
	if len(moved) != 3 {
		t.Errorf("done has %d files", len(moved))
	}
	rejected := 0
	for _, e := range moved {
		if strings.HasSuffix(e.Name(), ".rejected") {
			rejected++
		}
	}
	if rejected != 1 {
		t.Errorf("rejected files = %d", rejected)
	}
	if _, err := os.Stat(filepath.Join(dir, "merge", "notes.txt")); err != nil {
		t.Error("non-json file was touched")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
