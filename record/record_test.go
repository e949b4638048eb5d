package record

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalLooseShapes(t *testing.T) {
	tests := []struct {
		in      string
		wantID  string
		wantMID string
		wantVID string
		wantTS  int64
	}{
		{`{"id":"123","mid":"4","vid":"5","url":"u","ts":99}`, "123", "4", "5", 99},
		{`{"id":123,"mid":4,"vid":5}`, "123", "4", "5", 0},
		{`{"id":"123","mid":null,"vid":null,"ts":1.0}`, "123", "", "", 1},
		{`{"id":0}`, "", "", "", 0},
		{`{"id":""}`, "", "", "", 0},
		{`{"id":false}`, "", "", "", 0},
		{`{"id":"0"}`, "0", "", "", 0},
		{`{"mid":"4"}`, "", "4", "", 0},
	}
	for _, tt := range tests {
		var r Record
		if err := json.Unmarshal([]byte(tt.in), &r); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if r.ID != tt.wantID || r.PrimaryContextID != tt.wantMID ||
			r.SecondaryFilterID != tt.wantVID || r.SavedAt != tt.wantTS {
			t.Errorf("unmarshal %s: got %+v", tt.in, r)
		}
	}
}

func TestMarshalNullsAbsentContext(t *testing.T) {
	data, err := json.Marshal(Record{ID: "7", SourceURL: "https://x/7.jpeg", SavedAt: 5})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"7","mid":null,"vid":null,"url":"https://x/7.jpeg","ts":5}`
	if string(data) != want {
		t.Errorf("marshal: got %s, want %s", data, want)
	}
}

func TestMarshalRoundtrip(t *testing.T) {
	in := Record{ID: "1", PrimaryContextID: "2", SecondaryFilterID: "3", SourceURL: "u", SavedAt: 42}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("roundtrip: got %+v, want %+v", out, in)
	}
}

func TestParseMergeMode(t *testing.T) {
	if m, err := ParseMergeMode("merge"); err != nil || m != Merge {
		t.Errorf("merge: got %q, %v", m, err)
	}
	if m, err := ParseMergeMode("replace"); err != nil || m != Replace {
		t.Errorf("replace: got %q, %v", m, err)
	}
	if _, err := ParseMergeMode("overwrite"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
