// Package storagetest is the conformance suite every storage.Store engine
// must pass. Engine packages call Run from their own tests.
package storagetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/snehjoshi/outboxq/internal/storage"
	"github.com/snehjoshi/outboxq/internal/types"
)

// Opener opens (or reopens) a store rooted at dir.
type Opener func(dir string) (storage.Store, error)

// Run executes the suite against the engine returned by open.
func Run(t *testing.T, open Opener) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"AppendAndGet", testAppendAndGet},
		{"DuplicateRejected", testDuplicateRejected},
		{"GetMissing", testGetMissing},
		{"UpdateApplies", testUpdateApplies},
		{"UpdatePatchErrorAborts", testUpdatePatchErrorAborts},
		{"UpdateRejectsKeyChange", testUpdateRejectsKeyChange},
		{"RemoveGuard", testRemoveGuard},
		{"ListOrdered", testListOrdered},
		{"ReturnedEntriesAreCopies", testReturnedEntriesAreCopies},
		{"ConcurrentUpdates", testConcurrentUpdates},
		{"SurvivesReopen", testSurvivesReopen},
		{"ClosedIsUnavailable", testClosedIsUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, open) })
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func openT(t *testing.T, open Opener, dir string) storage.Store {
	t.Helper()
	s, err := open(dir)
	if err != nil {
		t.Fatalf("open %s: %v", dir, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Entry returns a pending text entry for tests.
func Entry(id, conv string, createdAt int64) *types.Entry {
	return &types.Entry{
		LocalID:        id,
		ConversationID: conv,
		SenderID:       "u1",
		SenderName:     "Ada",
		Payload: types.Payload{
			Kind:     types.PayloadText,
			Text:     "hello " + id,
			Metadata: map[string]string{"lang": "en"},
		},
		CreatedAt:     createdAt,
		NextAttemptAt: createdAt,
		State:         types.StatePending,
	}
}

func mustAppend(t *testing.T, s storage.Store, e *types.Entry) {
	t.Helper()
	if err := s.Append(e); err != nil {
		t.Fatalf("Append %s: %v", e.LocalID, err)
	}
}

func ids(entries []*types.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.LocalID
	}
	return out
}

// ─── cases ───────────────────────────────────────────────────────────────────

func testAppendAndGet(t *testing.T, open Opener) {
	s := openT(t, open, t.TempDir())
	want := Entry("a", "c1", 100)
	mustAppend(t, s, want)

	got, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConversationID != "c1" || got.Payload.Text != "hello a" || got.CreatedAt != 100 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.State != types.StatePending {
		t.Errorf("state: want pending, got %s", got.State)
	}
	if got.Payload.Metadata["lang"] != "en" {
		t.Errorf("metadata lost: %+v", got.Payload.Metadata)
	}
}

func testDuplicateRejected(t *testing.T, open Opener) {
	s := openT(t, open, t.TempDir())
	mustAppend(t, s, Entry("a", "c1", 100))

	dup := Entry("a", "c2", 200)
	err := s.Append(dup)
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
	got, _ := s.Get("a")
	if got.ConversationID != "c1" {
		t.Errorf("duplicate append overwrote the original: %+v", got)
	}
	all, _ := s.ListOrdered()
	if len(all) != 1 {
		t.Errorf("want 1 entry, got %d", len(all))
	}
}

func testGetMissing(t *testing.T, open Opener) {
	s := openT(t, open, t.TempDir())
	if _, err := s.Get("nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get: want ErrNotFound, got %v", err)
	}
	_, err := s.Update("nope", func(*types.Entry) error { return nil })
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Update: want ErrNotFound, got %v", err)
	}
	if err := s.Remove("nope", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Remove: want ErrNotFound, got %v", err)
	}
}

func testUpdateApplies(t *testing.T, open Opener) {
	s := openT(t, open, t.TempDir())
	mustAppend(t, s, Entry("a", "c1", 100))

	got, err := s.Update("a", func(e *types.Entry) error {
		e.State = types.StateInFlight
		e.AttemptCount++
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.State != types.StateInFlight || got.AttemptCount != 1 {
		t.Errorf("returned entry not patched: %+v", got)
	}
	stored, _ := s.Get("a")
	if stored.State != types.StateInFlight || stored.AttemptCount != 1 {
		t.Errorf("stored entry not patched: %+v", stored)
	}
}

func testUpdatePatchErrorAborts(t *testing.T, open Opener) {
	s := openT(t, open, t.TempDir())
	mustAppend(t, s, Entry("a", "c1", 100))

	sentinel := errors.New("not now")
	_, err := s.Update("a", func(e *types.Entry) error {
		e.State = types.StateFailed
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("want patch error back, got %v", err)
	}
	if errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("patch error must not read as unavailable: %v", err)
	}
	got, _ := s.Get("a")
	if got.State != types.StatePending {
		t.Errorf("aborted patch was persisted: %+v", got)
	}
}

func testUpdateRejectsKeyChange(t *testing.T, open Opener) {
	s := openT(t, open, t.TempDir())
	mustAppend(t, s, Entry("a", "c1", 100))

	if _, err := s.Update("a", func(e *types.Entry) error { e.CreatedAt = 5; return nil }); err == nil {
		t.Error("changing CreatedAt must be rejected")
	}
	if _, err := s.Update("a", func(e *types.Entry) error { e.LocalID = "b"; return nil }); err == nil {
		t.Error("changing LocalID must be rejected")
	}
	all, _ := s.ListOrdered()
	if len(all) != 1 || all[0].LocalID != "a" || all[0].CreatedAt != 100 {
		t.Errorf("store changed after rejected patches: %v", ids(all))
	}
}

func testRemoveGuard(t *testing.T, open Opener) {
	s := openT(t, open, t.TempDir())
	mustAppend(t, s, Entry("a", "c1", 100))
	mustAppend(t, s, Entry("b", "c1", 200))

	refuse := errors.New("still pending")
	err := s.Remove("a", func(e *types.Entry) error {
		if e.State == types.StatePending {
			return refuse
		}
		return nil
	})
	if !errors.Is(err, refuse) {
		t.Fatalf("want guard error, got %v", err)
	}
	if _, err := s.Get("a"); err != nil {
		t.Fatalf("guarded entry removed: %v", err)
	}

	if err := s.Remove("a", nil); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get("a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("removed entry still readable: %v", err)
	}
	all, _ := s.ListOrdered()
	if got := ids(all); len(got) != 1 || got[0] != "b" {
		t.Errorf("ListOrdered after remove: %v", got)
	}
}

func testListOrdered(t *testing.T, open Opener) {
	s := openT(t, open, t.TempDir())
	// Insert out of order, with a CreatedAt tie between "b" and "c".
	for _, e := range []*types.Entry{
		Entry("d", "c2", 400),
		Entry("c", "c1", 200),
		Entry("a", "c1", 100),
		Entry("b", "c2", 200),
	} {
		mustAppend(t, s, e)
	}
	all, err := s.ListOrdered()
	if err != nil {
		t.Fatalf("ListOrdered: %v", err)
	}
	want := []string{"a", "b", "c", "d"}
	got := ids(all)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order: want %v, got %v", want, got)
	}
}

func testReturnedEntriesAreCopies(t *testing.T, open Opener) {
	s := openT(t, open, t.TempDir())
	mustAppend(t, s, Entry("a", "c1", 100))

	got, _ := s.Get("a")
	got.State = types.StateFailed
	got.Payload.Metadata["lang"] = "fr"

	again, _ := s.Get("a")
	if again.State != types.StatePending || again.Payload.Metadata["lang"] != "en" {
		t.Errorf("mutating a returned entry changed the store: %+v", again)
	}
}

func testConcurrentUpdates(t *testing.T, open Opener) {
	s := openT(t, open, t.TempDir())
	mustAppend(t, s, Entry("a", "c1", 100))

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update("a", func(e *types.Entry) error {
				e.AttemptCount++
				return nil
			}); err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get("a")
	if got.AttemptCount != n {
		t.Errorf("lost updates: want %d, got %d", n, got.AttemptCount)
	}
}

func testSurvivesReopen(t *testing.T, open Opener) {
	dir := t.TempDir()
	s, err := open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustAppend(t, s, Entry("a", "c1", 100))
	mustAppend(t, s, Entry("b", "c1", 200))
	mustAppend(t, s, Entry("c", "c2", 300))
	if _, err := s.Update("b", func(e *types.Entry) error {
		e.State = types.StateInFlight
		e.AttemptCount = 3
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Remove("a", nil); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openT(t, open, dir)
	all, err := s2.ListOrdered()
	if err != nil {
		t.Fatalf("ListOrdered after reopen: %v", err)
	}
	if got := ids(all); fmt.Sprint(got) != "[b c]" {
		t.Fatalf("after reopen: want [b c], got %v", got)
	}
	if all[0].State != types.StateInFlight || all[0].AttemptCount != 3 {
		t.Errorf("update lost across reopen: %+v", all[0])
	}
}

func testClosedIsUnavailable(t *testing.T, open Opener) {
	s, err := open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.Append(Entry("a", "c1", 1)); !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("Append on closed store: want ErrUnavailable, got %v", err)
	}
	if _, err := s.ListOrdered(); !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("ListOrdered on closed store: want ErrUnavailable, got %v", err)
	}
}
