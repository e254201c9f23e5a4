package dbopen

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dir", "cache.db")
	db, err := Open(path, WithMkdirAll(), WithSchema(`CREATE TABLE t (k TEXT PRIMARY KEY)`))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode: got %q, want wal", mode)
	}
	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys: got %d", fk)
	}
	if _, err := db.Exec(`INSERT INTO t (k) VALUES ('a')`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestWithBusyTimeout(t *testing.T) {
	db := OpenMemory(t, WithBusyTimeout(1234))
	var ms int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&ms); err != nil {
		t.Fatal(err)
	}
	if ms != 1234 {
		t.Fatalf("busy_timeout: got %d", ms)
	}
}

func TestOpen_BadSchema(t *testing.T) {
	if _, err := Open(":memory:", WithSchema(`CREATE TABLE (`)); err == nil {
		t.Fatal("expected schema error")
	}
}

func TestIsBusy(t *testing.T) {
	cases := map[string]bool{
		"SQLITE_BUSY":              true,
		"database is locked":       true,
		"database table is locked": true,
		"no such table: prefs":     false,
	}
	for msg, want := range cases {
		if got := IsBusy(errors.New(msg)); got != want {
			t.Errorf("IsBusy(%q) = %v", msg, got)
		}
	}
	if IsBusy(nil) {
		t.Error("IsBusy(nil)")
	}
}

func TestExec(t *testing.T) {
	db := OpenMemory(t, WithSchema(`CREATE TABLE t (k TEXT PRIMARY KEY)`))
	res, err := Exec(context.Background(), db, `INSERT INTO t (k) VALUES (?)`, "x")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("rows: %d", n)
	}
	if _, err := Exec(context.Background(), db, `INSERT INTO t (k) VALUES (?)`, "x"); err == nil {
		t.Fatal("expected constraint error")
	}
}
