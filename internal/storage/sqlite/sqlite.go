// Package sqlite implements storage.Store on modernc.org/sqlite (pure Go, no
// CGO). It is the alternative engine for platforms where a single SQL file is
// easier to inspect or back up than a bbolt file.
//
// The connection pool is pinned to one connection: SQLite allows a single
// writer, and a single connection makes every read observe every committed
// write without relying on WAL snapshot timing.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/snehjoshi/outboxq/internal/storage"
	"github.com/snehjoshi/outboxq/internal/types"
)

// FileName is the database file inside the namespace directory.
const FileName = "outbox.sqlite"

const engineName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	local_id   TEXT    PRIMARY KEY,
	created_at INTEGER NOT NULL,
	state      TEXT    NOT NULL,
	body       BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS outbox_entries_order ON outbox_entries (created_at, local_id);
`

// Store is the SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB

	closeOnce sync.Once
	closeErr  error
}

var _ storage.Store = (*Store)(nil)

// DSN returns the connection string for the database file at path. The
// pragmas ride on the DSN so that every connection database/sql opens gets
// them, not just the first one.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "busy_timeout(5000)")
	return "file:" + path + "?" + q.Encode()
}

// Open creates (or reopens) the database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("sqlite: create dir %s: %w: %w", dir, storage.ErrUnavailable, err)
	}
	path := filepath.Join(dir, FileName)

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w: %w", path, storage.ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: open %s: %w: %w", path, storage.ErrUnavailable, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w: %w", storage.ErrUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Append inserts e; the primary key rejects duplicates.
func (s *Store) Append(e *types.Entry) error {
	body, err := storage.Encode(e)
	if err != nil {
		return err
	}
	err = s.tx(func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM outbox_entries WHERE local_id = ?`, e.LocalID).Scan(&exists)
		switch {
		case err == nil:
			return storage.ErrDuplicate
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO outbox_entries (local_id, created_at, state, body) VALUES (?, ?, ?, ?)`,
			e.LocalID, e.CreatedAt, e.State.String(), body,
		)
		return err
	})
	return storage.Wrap(engineName, "append "+e.LocalID, err)
}

// Get returns a copy of the stored entry.
func (s *Store) Get(localID string) (*types.Entry, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM outbox_entries WHERE local_id = ?`, localID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		err = storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Wrap(engineName, "get "+localID, err)
	}
	e, err := storage.Decode(body)
	if err != nil {
		return nil, storage.Wrap(engineName, "get "+localID, err)
	}
	return e, nil
}

// Update reads, patches and rewrites the row in one transaction.
func (s *Store) Update(localID string, patch storage.Patch) (*types.Entry, error) {
	var out *types.Entry
	err := s.tx(func(tx *sql.Tx) error {
		before, err := loadTx(tx, localID)
		if err != nil {
			return err
		}
		after := before.Clone()
		if err := patch(after); err != nil {
			return storage.Caller(err)
		}
		if err := storage.CheckImmutable(before, after); err != nil {
			return storage.Caller(err)
		}
		body, err := storage.Encode(after)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE outbox_entries SET state = ?, body = ? WHERE local_id = ?`,
			after.State.String(), body, localID,
		); err != nil {
			return err
		}
		out = after
		return nil
	})
	if err != nil {
		return nil, storage.Wrap(engineName, "update "+localID, err)
	}
	return out, nil
}

// Remove deletes the row after guard approves it.
func (s *Store) Remove(localID string, guard storage.Guard) error {
	err := s.tx(func(tx *sql.Tx) error {
		cur, err := loadTx(tx, localID)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(cur); err != nil {
				return storage.Caller(err)
			}
		}
		_, err = tx.Exec(`DELETE FROM outbox_entries WHERE local_id = ?`, localID)
		return err
	})
	return storage.Wrap(engineName, "remove "+localID, err)
}

// ListOrdered scans the order index.
func (s *Store) ListOrdered() ([]*types.Entry, error) {
	rows, err := s.db.Query(`SELECT body FROM outbox_entries ORDER BY created_at, local_id`)
	if err != nil {
		return nil, storage.Wrap(engineName, "list", err)
	}
	defer rows.Close()

	var out []*types.Entry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, storage.Wrap(engineName, "list", err)
		}
		e, err := storage.Decode(body)
		if err != nil {
			return nil, storage.Wrap(engineName, "list", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(engineName, "list", err)
	}
	return out, nil
}

// Close closes the database. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if err := s.db.Close(); err != nil {
			s.closeErr = fmt.Errorf("sqlite: close: %w", err)
		}
	})
	return s.closeErr
}

// tx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) tx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func loadTx(tx *sql.Tx, localID string) (*types.Entry, error) {
	var body []byte
	err := tx.QueryRow(`SELECT body FROM outbox_entries WHERE local_id = ?`, localID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return storage.Decode(body)
}
