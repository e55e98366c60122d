package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/snehjoshi/outboxq/internal/types"
)

// Entries are stored as JSON on every engine. Enum fields encode by name
// (see types.State.MarshalText) so a record written by one version stays
// readable by the next as long as fields are only ever added.

// Encode serialises an entry for storage.
func Encode(e *types.Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("storage: encode %s: %w", e.LocalID, err)
	}
	return data, nil
}

// Decode parses a stored record. Failures wrap both ErrUnavailable and
// ErrCorrupted.
func Decode(data []byte) (*types.Entry, error) {
	var e types.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrUnavailable, ErrCorrupted, err)
	}
	if e.LocalID == "" {
		return nil, fmt.Errorf("%w: %w: record without local id", ErrUnavailable, ErrCorrupted)
	}
	return &e, nil
}

// callerError carries an error returned by a Patch or Guard out of an engine
// transaction so Wrap can hand it back to the caller untouched.
type callerError struct{ err error }

func (c *callerError) Error() string { return c.err.Error() }
func (c *callerError) Unwrap() error { return c.err }

// Caller marks err as coming from caller code inside a transaction.
func Caller(err error) error {
	if err == nil {
		return nil
	}
	return &callerError{err: err}
}

// Wrap normalises an engine error. Caller errors pass through unchanged;
// the store's own sentinels gain an engine/op prefix; anything else is an
// I/O level failure and is wrapped as ErrUnavailable.
func Wrap(engine, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *callerError
	if errors.As(err, &ce) {
		return ce.err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%s: %s: %w", engine, op, err)
	}
	return fmt.Errorf("%s: %s: %w: %w", engine, op, ErrUnavailable, err)
}

// CheckImmutable returns an error if a patch changed the identity or
// ordering key of an entry.
func CheckImmutable(before, after *types.Entry) error {
	if before.LocalID != after.LocalID {
		return fmt.Errorf("storage: patch changed local id %s", before.LocalID)
	}
	if before.CreatedAt != after.CreatedAt {
		return fmt.Errorf("storage: patch changed created_at of %s", before.LocalID)
	}
	return nil
}
