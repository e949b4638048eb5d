package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

const modelJSON = `{
	"name": "Cool Model",
	"modelVersions": [
		{"id": 2414241, "name": "v2", "baseModel": "SDXL 1.0",
		 "description": "<p>Hello <b>world</b><script>alert(1)</script></p>",
		 "files": [
			{"name": "cool_v2.yaml", "primary": false, "downloadUrl": "https://x/cfg"},
			{"name": "cool v2.safetensors", "primary": true, "downloadUrl": "https://x/2414241"}
		 ]},
		{"id": "1000", "name": "v1", "baseModel": "SD 1.5", "description": null, "files": []}
	]
}`

func TestFetch(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(modelJSON))
	}))
	defer srv.Close()

	f := New(srv.URL)
	cat, err := f.Fetch(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if got := path.Load(); got != "/api/v1/models/42" {
		t.Errorf("path = %v", got)
	}
	if cat.PrimaryID != "42" || cat.Name != "Cool Model" || len(cat.Versions) != 2 {
		t.Fatalf("catalog = %+v", cat)
	}
	if cat.Versions[0].ID != "2414241" || cat.Versions[1].ID != "1000" {
		t.Errorf("version ids = %q %q", cat.Versions[0].ID, cat.Versions[1].ID)
	}
}

func TestFetchFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/models/404":
			http.NotFound(w, r)
		case "/api/v1/models/bad":
			w.Write([]byte(`{not json`))
		}
	}))
	url := srv.URL
	f := New(url)

	for _, id := range []string{"404", "bad", ""} {
		if _, err := f.Fetch(context.Background(), id); !errors.Is(err, ErrFetchFailed) {
			t.Errorf("fetch %q: err = %v, want ErrFetchFailed", id, err)
		}
	}

	srv.Close()
	if _, err := f.Fetch(context.Background(), "1"); !errors.Is(err, ErrFetchFailed) {
		t.Errorf("closed server: err = %v", err)
	}
}

func TestFetchDoesNotRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Fetch(context.Background(), "1"); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestFilterBySecondary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(modelJSON))
	}))
	defer srv.Close()
	cat, err := New(srv.URL).Fetch(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}

	all := FilterBySecondary(cat, "")
	if len(all) != 2 {
		t.Fatalf("unfiltered = %d entries", len(all))
	}
	if all[1].PrimaryFile != nil {
		t.Errorf("v1 should have no primary file: %+v", all[1].PrimaryFile)
	}

	one := FilterBySecondary(cat, "2414241")
	if len(one) != 1 {
		t.Fatalf("filtered = %+v", one)
	}
	e := one[0]
	if e.Name != "v2" || e.BaseModel != "SDXL 1.0" {
		t.Errorf("entry = %+v", e)
	}
	if e.PrimaryFile == nil || e.PrimaryFile.Name != "cool v2.safetensors" {
		t.Errorf("primary file = %+v", e.PrimaryFile)
	}
	if !strings.Contains(e.DescriptionMarkdown, "**world**") || strings.Contains(e.DescriptionMarkdown, "alert") {
		t.Errorf("markdown = %q", e.DescriptionMarkdown)
	}

	if got := FilterBySecondary(cat, "999"); len(got) != 0 {
		t.Errorf("no match = %+v", got)
	}
	if got := FilterBySecondary(nil, ""); got != nil {
		t.Errorf("nil catalog = %+v", got)
	}
}

func TestRendererExcerpt(t *testing.T) {
	r := NewRenderer()
	if got := r.Excerpt("<p>abcdef</p>", 3); got != "abc..." {
		t.Errorf("excerpt = %q", got)
	}
	if got := r.Markdown("   "); got != "" {
		t.Errorf("blank = %q", got)
	}
}
