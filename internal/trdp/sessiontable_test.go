package trdp_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/trdp-go/trdpd/internal/trdp"
)

func newTestMDSession(t *testing.T) *trdp.MDSession {
	t.Helper()
	id, err := uuid.NewUUID()
	if err != nil {
		t.Fatalf("uuid.NewUUID: %v", err)
	}
	return &trdp.MDSession{ID: id, State: trdp.StateIdle, CreatedAt: time.Now()}
}

func TestMDSessionTableCapacity(t *testing.T) {
	t.Parallel()

	table := trdp.NewMDSessionTable(2)
	a, b, c := newTestMDSession(t), newTestMDSession(t), newTestMDSession(t)

	if err := table.Insert(a); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := table.Insert(b); err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if err := table.Insert(c); err != trdp.ErrSessionTableFull {
		t.Fatalf("insert past capacity = %v, want ErrSessionTableFull", err)
	}
	if table.Len() != 2 {
		t.Fatalf("Len = %d, want 2", table.Len())
	}
}

func TestMDSessionTableLookupRemove(t *testing.T) {
	t.Parallel()

	table := trdp.NewMDSessionTable(0) // non-positive falls back to default
	s := newTestMDSession(t)

	if err := table.Insert(s); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, ok := table.Lookup(s.ID)
	if !ok || got != s {
		t.Fatalf("Lookup = %v, %v, want %v, true", got, ok, s)
	}

	table.Remove(s.ID)
	if _, ok := table.Lookup(s.ID); ok {
		t.Fatal("Lookup after Remove = true, want false")
	}
	if table.Len() != 0 {
		t.Fatalf("Len after Remove = %d, want 0", table.Len())
	}
}

func TestMDSessionTableAll(t *testing.T) {
	t.Parallel()

	table := trdp.NewMDSessionTable(5)
	a, b := newTestMDSession(t), newTestMDSession(t)
	if err := table.Insert(a); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := table.Insert(b); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	all := table.All()
	if len(all) != 2 {
		t.Fatalf("All length = %d, want 2", len(all))
	}
}

// -------------------------------------------------------------------------
// TestMDSessionRepliesSatisfied: a session with a known reply count is
// satisfied once replies plus reply-queries reach it.
// -------------------------------------------------------------------------

func TestMDSessionRepliesSatisfied(t *testing.T) {
	t.Parallel()

	s := newTestMDSession(t)
	s.NumExpectedReplies = 2

	if s.RepliesSatisfied() {
		t.Fatal("RepliesSatisfied with zero replies = true, want false")
	}
	s.NumReplies = 1
	if s.RepliesSatisfied() {
		t.Fatal("RepliesSatisfied with 1 of 2 replies = true, want false")
	}
	s.NumRepliesQuery = 1
	if !s.RepliesSatisfied() {
		t.Fatal("RepliesSatisfied with 1 reply + 1 query of 2 expected = false, want true")
	}
}

func TestMDSessionRepliesSatisfiedUnknownCount(t *testing.T) {
	t.Parallel()

	s := newTestMDSession(t)
	s.NumReplies = 100
	if s.RepliesSatisfied() {
		t.Fatal("RepliesSatisfied with NumExpectedReplies=0 (unknown) = true, want false")
	}
}

func TestMDSessionExpired(t *testing.T) {
	t.Parallel()

	s := newTestMDSession(t)
	now := time.Now()

	if s.Expired(now) {
		t.Fatal("Expired with zero Deadline = true, want false")
	}

	s.Deadline = now.Add(-time.Second)
	if !s.Expired(now) {
		t.Fatal("Expired with past Deadline = false, want true")
	}
}
