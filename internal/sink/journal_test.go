package sink

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/savewatch/dbopen"
)

func TestJournal_SendAndQuery(t *testing.T) {
	ctx := context.Background()
	j, err := NewJournal(ctx, dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 2, 24, 12, 0, 0, 0, time.UTC)
	for i, typ := range []string{TypeCatalog, TypeSaved, TypeSaved, TypeImport} {
		ev := NewEvent(typ, "https://civitai.com/models/1", map[string]int{"n": i})
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := j.Send(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	saved, err := j.Query(ctx, JournalFilter{Type: TypeSaved})
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 2 {
		t.Fatalf("saved = %d", len(saved))
	}
	var data map[string]int
	json.Unmarshal(saved[0].Data.(json.RawMessage), &data)
	if data["n"] != 2 {
		t.Errorf("newest first: data = %v", data)
	}

	all, err := j.Query(ctx, JournalFilter{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Type != TypeImport {
		t.Errorf("all = %+v", all)
	}
}

func TestOpenJournal_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.db")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	if err := j.Send(context.Background(), NewEvent(TypeStats, "", nil)); err != nil {
		t.Fatal(err)
	}
}
