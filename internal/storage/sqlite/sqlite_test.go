package sqlite_test

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/snehjoshi/outboxq/internal/storage"
	"github.com/snehjoshi/outboxq/internal/storage/sqlite"
	"github.com/snehjoshi/outboxq/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(dir string) (storage.Store, error) {
		return sqlite.Open(dir)
	})
}

func TestOpen_UsesWALJournal(t *testing.T) {
	dir := t.TempDir()
	s, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Close()

	db, err := sql.Open("sqlite", filepath.Join(dir, sqlite.FileName))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode: want wal, got %s", mode)
	}
}

// A fresh connection opened with the same DSN carries the durability
// pragmas without any per-connection setup.
func TestDSN_AppliesPragmasPerConnection(t *testing.T) {
	dir := t.TempDir()
	s, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	db, err := sql.Open("sqlite", sqlite.DSN(filepath.Join(dir, sqlite.FileName)))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var syncMode, busy int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&syncMode); err != nil {
		t.Fatalf("PRAGMA synchronous: %v", err)
	}
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatalf("PRAGMA busy_timeout: %v", err)
	}
	if syncMode != 2 { // FULL
		t.Errorf("synchronous: want 2 (FULL), got %d", syncMode)
	}
	if busy != 5000 {
		t.Errorf("busy_timeout: want 5000, got %d", busy)
	}
}

func TestGet_CorruptBody(t *testing.T) {
	dir := t.TempDir()
	s, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Append(storagetest.Entry("a", "c1", 1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = s.Close()

	db, err := sql.Open("sqlite", filepath.Join(dir, sqlite.FileName))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec(`UPDATE outbox_entries SET body = ? WHERE local_id = 'a'`, []byte("garbage")); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	_ = db.Close()

	s, err = sqlite.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if _, err := s.Get("a"); !errors.Is(err, storage.ErrCorrupted) || !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("want ErrCorrupted+ErrUnavailable, got %v", err)
	}
}
