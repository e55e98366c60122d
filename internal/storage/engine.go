// Package storage defines the Store abstraction behind the outbound queue.
//
// Design principle: the scheduler and coordinator interact with persisted
// entries ONLY through this interface. Every state transition is a single
// store transaction, and the store is the single source of truth: in-memory
// structures elsewhere are caches that can be rebuilt from ListOrdered.
//
// Implementations:
//   - local.Store:  bbolt, one file per namespace (default)
//   - sqlite.Store: modernc.org/sqlite, WAL journal
//
// Both pass the storagetest conformance suite.
package storage

import (
	"errors"

	"github.com/snehjoshi/outboxq/internal/types"
)

// ErrUnavailable is returned (wrapped) when the backing store cannot be read
// or written: open failures, I/O errors, a closed store, corrupt records.
// Callers surface it as StorageUnavailable.
var ErrUnavailable = errors.New("storage: unavailable")

// ErrNotFound is returned when no entry exists for a LocalID.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned by Append when the LocalID is already stored.
var ErrDuplicate = errors.New("storage: duplicate local id")

// ErrCorrupted is returned when a stored record cannot be decoded. It is
// always wrapped together with ErrUnavailable.
var ErrCorrupted = errors.New("storage: entry corrupted")

// Patch mutates an entry inside an Update transaction. Returning an error
// aborts the transaction and leaves the stored entry untouched. A Patch must
// not change LocalID or CreatedAt.
type Patch func(e *types.Entry) error

// Guard inspects the current entry inside a Remove transaction. Returning an
// error aborts the removal.
type Guard func(e *types.Entry) error

// Store persists queue entries. All methods must be safe for concurrent use,
// and every returned *types.Entry is a private copy.
type Store interface {
	// Append durably inserts e. Returns ErrDuplicate if e.LocalID exists.
	Append(e *types.Entry) error

	// Get returns the entry for localID, or ErrNotFound.
	Get(localID string) (*types.Entry, error)

	// Update applies patch atomically and returns the stored result.
	// Returns ErrNotFound if the entry does not exist.
	Update(localID string, patch Patch) (*types.Entry, error)

	// Remove deletes the entry after guard (which may be nil) approves it.
	// Returns ErrNotFound if the entry does not exist.
	Remove(localID string, guard Guard) error

	// ListOrdered returns every live entry ordered by CreatedAt ascending,
	// ties broken by LocalID.
	ListOrdered() ([]*types.Entry, error)

	// Close releases the underlying files. Safe to call more than once.
	Close() error
}
