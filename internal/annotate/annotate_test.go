package annotate

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hazyhaar/savewatch/internal/page"
)

const gallery = `<html><body>
<a href="/images/100"><img src="https://image.civitai.com/xG1/abc/width=450/100.jpeg"></a>
<a href="/images/200"><img src="https://image.civitai.com/xG1/def/width=450/200.png"></a>
<a href="/images/300">text only</a>
<a href="/images/abc"><img src="https://image.civitai.com/x/y/z.jpeg"></a>
</body></html>`

type setStore struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newSetStore(ids ...string) *setStore {
	s := &setStore{ids: map[string]bool{}}
	for _, id := range ids {
		s.ids[id] = true
	}
	return s
}

func (s *setStore) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

func (s *setStore) add(id string) {
	s.mu.Lock()
	s.ids[id] = true
	s.mu.Unlock()
}

func newDoc(t *testing.T) *page.HTMLDocument {
	t.Helper()
	d, err := page.ParseHTML(strings.NewReader(gallery), "https://civitai.com/models/1")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func render(t *testing.T, d *page.HTMLDocument) string {
	t.Helper()
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestAssetURL(t *testing.T) {
	tests := []struct {
		src, id, want, ext string
		wantErr            bool
	}{
		{
			src: "https://image.civitai.com/xG1nkqKTMzGDvpLrqFT7WA/abc-123/width=450/100.jpeg", id: "100",
			want: "https://image.civitai.com/xG1nkqKTMzGDvpLrqFT7WA/abc-123/original=true/100.jpeg", ext: "jpeg",
		},
		{
			src: "https://image.civitai.com/a/b/anim=false,width=450/x.webp?token=1", id: "7",
			want: "https://image.civitai.com/a/b/original=true/7.webp", ext: "webp",
		},
		{
			src: "https://image.civitai.com/a/b/width=450/noext", id: "8",
			want: "https://image.civitai.com/a/b/original=true/8.jpeg", ext: "jpeg",
		},
		{
			src: "https://host/only.png", id: "9",
			want: "https://host/original=true/9.png", ext: "png",
		},
		{src: "/relative/w/1.jpeg", id: "1", wantErr: true},
		{src: "", id: "1", wantErr: true},
	}
	for _, tt := range tests {
		got, ext, err := AssetURL(tt.src, tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("AssetURL(%q) err = %v", tt.src, err)
			continue
		}
		if got != tt.want || ext != tt.ext {
			t.Errorf("AssetURL(%q) = %q, %q; want %q, %q", tt.src, got, ext, tt.want, tt.ext)
		}
	}
}

func TestImageID(t *testing.T) {
	if id, ok := ImageID("/images/12345?postId=1"); !ok || id != "12345" {
		t.Errorf("got %q %v", id, ok)
	}
	for _, h := range []string{"/images/abc", "/models/1", "https://civitai.com/images/1"} {
		if _, ok := ImageID(h); ok {
			t.Errorf("ImageID(%q) should fail", h)
		}
	}
}

func TestReconcileIdempotent(t *testing.T) {
	ctx := context.Background()
	doc := newDoc(t)
	r := New(Config{Doc: doc, Store: newSetStore("100")})

	p, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Scanned != 4 || p.Marked != 2 || p.Skipped != 2 {
		t.Errorf("first pass = %+v", p)
	}
	marks := doc.Marks()
	if marks["100"] != page.Saved || marks["200"] != page.Unsaved || len(marks) != 2 {
		t.Errorf("marks = %v", marks)
	}
	before := render(t, doc)

	p, err = r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Marked != 0 {
		t.Errorf("second pass marked %d", p.Marked)
	}
	if after := render(t, doc); after != before {
		t.Errorf("second pass changed the document:\n%s\n---\n%s", before, after)
	}
}

func TestReconcileNewContentOnly(t *testing.T) {
	ctx := context.Background()
	doc := newDoc(t)
	r := New(Config{Doc: doc, Store: newSetStore()})
	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if err := doc.Append(`<a href="/images/400"><img src="https://i.example/a/b/w/400.jpeg"></a>`); err != nil {
		t.Fatal(err)
	}
	p, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Marked != 1 {
		t.Errorf("pass = %+v", p)
	}
	if doc.Marks()["400"] != page.Unsaved {
		t.Errorf("marks = %v", doc.Marks())
	}
}

func TestRefreshRederivesFromStore(t *testing.T) {
	ctx := context.Background()
	doc := newDoc(t)
	store := newSetStore()
	r := New(Config{Doc: doc, Store: store})
	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	store.add("200")
	// Existing marks are not re-derived by a plain pass.
	r.Reconcile(ctx)
	if doc.Marks()["200"] != page.Unsaved {
		t.Fatalf("plain pass re-derived a mark")
	}

	p, err := r.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Marked != 2 || doc.Marks()["200"] != page.Saved {
		t.Errorf("refresh = %+v, marks = %v", p, doc.Marks())
	}
}

func TestSetSaved(t *testing.T) {
	ctx := context.Background()
	doc := newDoc(t)
	r := New(Config{Doc: doc, Store: newSetStore()})
	r.Reconcile(ctx)
	n, err := r.SetSaved(ctx, "200")
	if err != nil || n != 1 {
		t.Fatalf("SetSaved = %d, %v", n, err)
	}
	if doc.Marks()["200"] != page.Saved {
		t.Errorf("marks = %v", doc.Marks())
	}
}

// commitDuringPass commits a save between a pass's scan and its apply.
type commitDuringPass struct {
	*page.HTMLDocument
	commit func()
	once   sync.Once
}

func (d *commitDuringPass) ApplyMarks(ctx context.Context, marks []page.Mark) (int, error) {
	d.once.Do(d.commit)
	return d.HTMLDocument.ApplyMarks(ctx, marks)
}

func TestSetSavedDuringPass(t *testing.T) {
	ctx := context.Background()
	st := newSetStore()
	doc := &commitDuringPass{HTMLDocument: newDoc(t)}
	r := New(Config{Doc: doc, Store: st})

	saved := make(chan error, 1)
	doc.commit = func() {
		st.add("100")
		go func() {
			_, err := r.SetSaved(ctx, "100")
			saved <- err
		}()
		// Give SetSaved the chance to run before the stale marks land.
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-saved; err != nil {
		t.Fatal(err)
	}
	if got := doc.Marks()["100"]; !st.Has("100") || got != page.Saved {
		t.Errorf("stored=%v badge=%v, want saved", st.Has("100"), got)
	}
}

func TestScheduleCoalesces(t *testing.T) {
	defer goleak.VerifyNone(t)

	doc := newDoc(t)
	passes := make(chan Pass, 4)
	r := New(Config{Doc: doc, Store: newSetStore(), Window: 5 * time.Millisecond,
		OnPass: func(p Pass) { passes <- p }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	for range 20 {
		r.Schedule()
	}
	select {
	case p := <-passes:
		if p.Marked != 2 {
			t.Errorf("pass = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pass")
	}
	cancel()
	<-done

	if st := r.Stats(); st.Runs != 1 {
		t.Errorf("runs = %d", st.Runs)
	}
}
