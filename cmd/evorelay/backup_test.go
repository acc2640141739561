package main

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func seedTestDB(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE agents (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("INSERT INTO agents (name) VALUES ('shop'), ('clinic')"); err != nil {
		t.Fatal(err)
	}
}

func countAgents(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestBackupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "live.db")
	seedTestDB(t, dbPath)

	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"general":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	snap := filepath.Join(dir, "snap.db")
	if err := snapshotDB(dbPath, snap); err != nil {
		t.Fatalf("snapshotDB: %v", err)
	}
	if countAgents(t, snap) != 2 {
		t.Error("snapshot missing rows")
	}

	archive := filepath.Join(dir, "backup.tar.gz")
	err := createTarGz(archive, []archiveFile{
		{path: snap, name: "evorelay.db"},
		{path: cfgPath, name: "config.json"},
	})
	if err != nil {
		t.Fatalf("createTarGz: %v", err)
	}

	restoreDir := t.TempDir()
	restoredDB := filepath.Join(restoreDir, "evorelay.db")
	restoredCfg := filepath.Join(restoreDir, "config.json")

	// Stale journal siblings must not survive a restore.
	if err := os.WriteFile(restoredDB+"-wal", []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	restored, err := extractTarGz(archive, restoredDB, restoredCfg)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("restored %d files, want 2", len(restored))
	}
	if countAgents(t, restoredDB) != 2 {
		t.Error("restored database missing rows")
	}
	if _, err := os.Stat(restoredDB + "-wal"); !os.IsNotExist(err) {
		t.Error("stale -wal file survived restore")
	}
	if _, err := os.Stat(restoredCfg); err != nil {
		t.Error("config not restored")
	}
}

func TestExtractTarGz_SkipsUnknownEntries(t *testing.T) {
	dir := t.TempDir()
	stray := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(stray, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(dir, "backup.tar.gz")
	if err := createTarGz(archive, []archiveFile{{path: stray, name: "notes.txt"}}); err != nil {
		t.Fatal(err)
	}

	restoreDir := t.TempDir()
	restored, err := extractTarGz(archive, filepath.Join(restoreDir, "evorelay.db"), filepath.Join(restoreDir, "config.json"))
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if len(restored) != 0 {
		t.Errorf("unknown entries should be skipped, restored %v", restored)
	}
}

func TestHumanSize(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{3 * 1024 * 1024, "3.0 MB"},
		{5 * 1024 * 1024 * 1024, "5.0 GB"},
	}
	for _, tc := range cases {
		if got := humanSize(tc.in); got != tc.want {
			t.Errorf("humanSize(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
