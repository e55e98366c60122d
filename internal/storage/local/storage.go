// Package local implements storage.Store on a single bbolt file.
//
// bbolt gives us what an outbox needs without a background process:
//   - Pure Go (no CGO)
//   - ACID, copy-on-write B+tree: a crash mid-write leaves the previous
//     committed state intact, never a partial entry
//   - Single file per namespace (outbox.db)
//
// Layout: the entries bucket maps LocalID to the encoded entry; the order
// bucket maps CreatedAt‖LocalID to LocalID so ListOrdered is a cursor walk.
// Both buckets are written in the same transaction.
package local

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/outboxq/internal/storage"
	"github.com/snehjoshi/outboxq/internal/types"
)

// FileName is the bbolt file inside the namespace directory.
const FileName = "outbox.db"

const engineName = "local"

// ─── Config ──────────────────────────────────────────────────────────────────

// FsyncPolicy controls when commits are flushed to physical disk.
// Values mirror config.StorageConfig.Fsync so they pass straight through.
type FsyncPolicy string

const (
	FsyncAlways FsyncPolicy = "always" // fsync every transaction (default)
	FsyncBatch  FsyncPolicy = "batch"  // coalesce concurrent writers into one fsync
	FsyncNever  FsyncPolicy = "never"  // no fsync; tests and throwaway data only
)

// Config tunes Store behaviour. Zero values fall back to DefaultConfig.
type Config struct {
	Fsync FsyncPolicy
	// OpenTimeout bounds the wait for the file lock held by another process.
	OpenTimeout time.Duration
}

// DefaultConfig returns the durable defaults.
func DefaultConfig() Config {
	return Config{
		Fsync:       FsyncAlways,
		OpenTimeout: time.Second,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the bbolt implementation of storage.Store.
// All methods are safe for concurrent use.
type Store struct {
	db  *bbolt.DB
	cfg Config

	closeOnce sync.Once
	closeErr  error
}

var _ storage.Store = (*Store)(nil)

// Open creates (or reopens) the store in dir. An optional Config can be
// supplied; defaults are used for any zero field.
func Open(dir string, cfgs ...Config) (*Store, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		c := cfgs[0]
		if c.Fsync != "" {
			cfg.Fsync = c.Fsync
		}
		if c.OpenTimeout > 0 {
			cfg.OpenTimeout = c.OpenTimeout
		}
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local: create dir %s: %w: %w", dir, storage.ErrUnavailable, err)
	}

	path := filepath.Join(dir, FileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{
		Timeout: cfg.OpenTimeout,
		NoSync:  cfg.Fsync == FsyncNever,
	})
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w: %w", path, storage.ErrUnavailable, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketOrder} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local: init buckets: %w: %w", storage.ErrUnavailable, err)
	}

	return &Store{db: db, cfg: cfg}, nil
}

// write runs fn in a read-write transaction according to the fsync policy.
// Under FsyncBatch, bbolt may call fn more than once, so fn must be
// idempotent with respect to its inputs.
func (s *Store) write(fn func(tx *bbolt.Tx) error) error {
	if s.cfg.Fsync == FsyncBatch {
		return s.db.Batch(fn)
	}
	return s.db.Update(fn)
}

// Append inserts e in both buckets.
func (s *Store) Append(e *types.Entry) error {
	val, err := storage.Encode(e)
	if err != nil {
		return err
	}
	key := []byte(e.LocalID)
	err = s.write(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries.Get(key) != nil {
			return storage.ErrDuplicate
		}
		if err := entries.Put(key, val); err != nil {
			return err
		}
		return tx.Bucket(bucketOrder).Put(orderKey(e.CreatedAt, e.LocalID), key)
	})
	return storage.Wrap(engineName, "append "+e.LocalID, err)
}

// Get returns a copy of the stored entry.
func (s *Store) Get(localID string) (*types.Entry, error) {
	var out *types.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = load(tx, localID)
		return err
	})
	if err != nil {
		return nil, storage.Wrap(engineName, "get "+localID, err)
	}
	return out, nil
}

// Update reads, patches and rewrites the entry in one transaction.
func (s *Store) Update(localID string, patch storage.Patch) (*types.Entry, error) {
	var out *types.Entry
	err := s.write(func(tx *bbolt.Tx) error {
		before, err := load(tx, localID)
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
		val, err := storage.Encode(after)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEntries).Put([]byte(localID), val); err != nil {
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

// Remove deletes the entry from both buckets after guard approves it.
func (s *Store) Remove(localID string, guard storage.Guard) error {
	err := s.write(func(tx *bbolt.Tx) error {
		cur, err := load(tx, localID)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(cur); err != nil {
				return storage.Caller(err)
			}
		}
		if err := tx.Bucket(bucketEntries).Delete([]byte(localID)); err != nil {
			return err
		}
		return tx.Bucket(bucketOrder).Delete(orderKey(cur.CreatedAt, cur.LocalID))
	})
	return storage.Wrap(engineName, "remove "+localID, err)
}

// ListOrdered walks the order bucket and resolves each key.
func (s *Store) ListOrdered() ([]*types.Entry, error) {
	var out []*types.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		return tx.Bucket(bucketOrder).ForEach(func(_, id []byte) error {
			val := entries.Get(id)
			if val == nil {
				return fmt.Errorf("%w: %w: order key without entry %s", storage.ErrUnavailable, storage.ErrCorrupted, id)
			}
			e, err := storage.Decode(val)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, storage.Wrap(engineName, "list", err)
	}
	return out, nil
}

// Close closes the bbolt file. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if err := s.db.Close(); err != nil {
			s.closeErr = fmt.Errorf("local: close: %w", err)
		}
	})
	return s.closeErr
}

// load decodes the entry for localID inside tx.
func load(tx *bbolt.Tx, localID string) (*types.Entry, error) {
	val := tx.Bucket(bucketEntries).Get([]byte(localID))
	if val == nil {
		return nil, storage.ErrNotFound
	}
	// Decode copies out of the mmap'd page; val is only valid inside tx.
	return storage.Decode(val)
}
