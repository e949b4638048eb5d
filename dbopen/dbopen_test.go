package dbopen_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/savewatch/dbopen"
)

func TestOpenPragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatal(err)
	}
	// :memory: reports "memory" even though the PRAGMA ran.
	if journalMode != "wal" && journalMode != "memory" {
		t.Fatalf("journal_mode = %q, want wal or memory", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatal(err)
	}
	if busyTimeout != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", busyTimeout)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
}

func TestDSN(t *testing.T) {
	dsn := dbopen.DSN("data/savewatch.db", 2500)
	if !strings.HasPrefix(dsn, "file:data/savewatch.db?") {
		t.Fatalf("dsn = %q", dsn)
	}
	for _, want := range []string{"busy_timeout%282500%29", "journal_mode%28WAL%29", "synchronous%28NORMAL%29"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %s", dsn, want)
		}
	}
	if got := dbopen.DSN(":memory:", 1); !strings.HasPrefix(got, ":memory:?") {
		t.Errorf("memory dsn = %q", got)
	}
}

func TestOpenEmptyPath(t *testing.T) {
	if _, err := dbopen.Open(" "); err == nil {
		t.Fatal("empty path accepted")
	}
}

func TestPragmasOnEveryConnection(t *testing.T) {
	db, err := dbopen.Open(filepath.Join(t.TempDir(), "pool.db"), dbopen.WithBusyTimeout(4321))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetMaxIdleConns(0)
	for range 3 {
		var bt int
		if err := db.QueryRow("PRAGMA busy_timeout").Scan(&bt); err != nil {
			t.Fatal(err)
		}
		if bt != 4321 {
			t.Fatalf("busy_timeout = %d on a fresh connection", bt)
		}
	}
}

func TestWithBusyTimeout(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithBusyTimeout(5000))

	var bt int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&bt); err != nil {
		t.Fatal(err)
	}
	if bt != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", bt)
	}
}

func TestWithSchemaAndExec(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE slots (name TEXT PRIMARY KEY, data TEXT)`))

	if _, err := dbopen.Exec(context.Background(), db,
		`INSERT INTO slots (name, data) VALUES (?, ?)`, "a", "[]"); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	var data string
	if err := db.QueryRow(`SELECT data FROM slots WHERE name = 'a'`).Scan(&data); err != nil {
		t.Fatal(err)
	}
	if data != "[]" {
		t.Fatalf("data = %q, want []", data)
	}
}

func TestWithMkdirAll(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "deep", "savewatch.db")

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open with mkdirall: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("some other error"), false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("database is locked"), true},
		{errors.New("prefix: database table is locked"), true},
	}
	for _, tt := range tests {
		if got := dbopen.IsBusy(tt.err); got != tt.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
