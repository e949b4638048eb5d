package observer

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

type recorder struct {
	mutations []int
	navs      []string
	acts      []Activation
}

func (r *recorder) OnMutation(_ context.Context, added int) { r.mutations = append(r.mutations, added) }
func (r *recorder) OnNavigate(_ context.Context, url string, _ bool) {
	r.navs = append(r.navs, url)
}
func (r *recorder) OnActivate(_ context.Context, a Activation) { r.acts = append(r.acts, a) }

func TestParsePayload(t *testing.T) {
	tests := []struct {
		payload string
		kind    string
		wantErr bool
	}{
		{`{"kind":"mutation","added":3}`, "mutation", false},
		{`{"kind":"activate","id":"42","src":"https://x/y.jpeg"}`, "activate", false},
		{`{"kind":"activate","src":"https://x/y.jpeg"}`, "", true},
		{`{"kind":"scroll"}`, "", true},
		{`not json`, "", true},
	}
	for _, tt := range tests {
		s, err := ParsePayload(tt.payload)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePayload(%s) err = %v", tt.payload, err)
			continue
		}
		if s.Kind != tt.kind {
			t.Errorf("ParsePayload(%s) kind = %q", tt.payload, s.Kind)
		}
	}
}

func TestDispatch(t *testing.T) {
	r := &recorder{}
	ctx := context.Background()
	log := slog.Default()
	dispatch(ctx, r, log, `{"kind":"mutation","added":2}`)
	dispatch(ctx, r, log, `{"kind":"activate","id":"7","src":"https://img/a.png"}`)
	dispatch(ctx, r, log, `garbage`)

	if len(r.mutations) != 1 || r.mutations[0] != 2 {
		t.Errorf("mutations = %v", r.mutations)
	}
	if len(r.acts) != 1 || r.acts[0] != (Activation{ID: "7", Src: "https://img/a.png"}) {
		t.Errorf("activations = %v", r.acts)
	}
}

func TestHooksScript(t *testing.T) {
	for _, want := range []string{BindingName, "data-savewatch-mark", "data-savewatch-badge", "MutationObserver", "'unsaved'"} {
		if !strings.Contains(hooksJS, want) {
			t.Errorf("hooks.js missing %q", want)
		}
	}
}
