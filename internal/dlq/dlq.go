// Package dlq provides utilities for inspecting and replaying entries that
// ended in the failed state.
//
// A failed entry stays in the queue, blocking its conversation, until the
// user retries or discards it. This package wraps the coordinator to work on
// failed entries in bulk:
//
//   - List:   read failed entries, optionally filtered by failure reason.
//   - Replay: move failed entries back to pending for a fresh set of attempts.
//   - Purge:  discard failed entries.
package dlq

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/outboxq/internal/outbox"
	"github.com/snehjoshi/outboxq/internal/types"
)

// Queue is the subset of *outbox.Coordinator the Manager needs.
type Queue interface {
	Entries() ([]*types.Entry, error)
	RetryFailed(localID string) error
	Discard(localID string) error
}

// Manager provides failed-entry operations on top of a Queue.
type Manager struct {
	q Queue
}

// NewManager wraps the given Queue.
func NewManager(q Queue) *Manager {
	return &Manager{q: q}
}

// ParseReason turns "permanent", "exhausted" or "" (any) into a filter.
func ParseReason(s string) (types.Failure, error) {
	var f types.Failure
	if err := f.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("dlq: reason: %w", err)
	}
	return f, nil
}

// List returns up to limit failed entries in queue order. reason
// FailureNone matches every failed entry; limit <= 0 means no limit.
func (m *Manager) List(reason types.Failure, limit int) ([]*types.Entry, error) {
	entries, err := m.q.Entries()
	if err != nil {
		return nil, fmt.Errorf("dlq.List: %w", err)
	}
	var out []*types.Entry
	for _, e := range entries {
		if e.State != types.StateFailed {
			continue
		}
		if reason != types.FailureNone && e.Failure != reason {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of failed entries.
func (m *Manager) Len() (int, error) {
	failed, err := m.List(types.FailureNone, 0)
	if err != nil {
		return 0, err
	}
	return len(failed), nil
}

// Replay moves up to limit failed entries back to pending. Entries that left
// the failed state concurrently are skipped. Returns the number replayed.
func (m *Manager) Replay(reason types.Failure, limit int) (int, error) {
	failed, err := m.List(reason, limit)
	if err != nil {
		return 0, fmt.Errorf("dlq.Replay: %w", err)
	}
	replayed := 0
	for _, e := range failed {
		err := m.q.RetryFailed(e.LocalID)
		if errors.Is(err, outbox.ErrNotFailed) || errors.Is(err, outbox.ErrNotFound) {
			continue
		}
		if err != nil {
			return replayed, fmt.Errorf("dlq.Replay: %w", err)
		}
		replayed++
	}
	if replayed > 0 {
		slog.Info("dlq: replayed failed entries", "count", replayed, "reason", reason.String())
	}
	return replayed, nil
}

// Purge discards up to limit failed entries. Returns the number discarded.
func (m *Manager) Purge(reason types.Failure, limit int) (int, error) {
	failed, err := m.List(reason, limit)
	if err != nil {
		return 0, fmt.Errorf("dlq.Purge: %w", err)
	}
	purged := 0
	for _, e := range failed {
		err := m.q.Discard(e.LocalID)
		if errors.Is(err, outbox.ErrNotFailed) {
			continue
		}
		if err != nil {
			return purged, fmt.Errorf("dlq.Purge: %w", err)
		}
		purged++
	}
	if purged > 0 {
		slog.Info("dlq: discarded failed entries", "count", purged, "reason", reason.String())
	}
	return purged, nil
}
