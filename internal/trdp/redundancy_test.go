package trdp_test

import (
	"testing"
	"time"

	"github.com/trdp-go/trdpd/internal/trdp"
)

// -------------------------------------------------------------------------
// TestRedundancyGroupLowestPriorityWins: lower numeric priority wins the
// election; the local session loses to a live peer with a lower value.
// -------------------------------------------------------------------------

func TestRedundancyGroupLowestPriorityWins(t *testing.T) {
	t.Parallel()

	now := time.Now()
	g := trdp.NewRedundancyGroup(1, "10.0.0.2", 5, time.Second)

	if !g.Leader(now) {
		t.Fatal("Leader with no peers = false, want true")
	}

	g.Heartbeat("10.0.0.1", 1, now)
	if g.Leader(now) {
		t.Fatal("Leader against a lower-priority peer = true, want false")
	}

	g.Heartbeat("10.0.0.3", 9, now)
	if g.Leader(now) {
		t.Fatal("Leader unaffected by an additional higher-priority peer = true, want false")
	}
}

func TestRedundancyGroupTieBreakByLowestKey(t *testing.T) {
	t.Parallel()

	now := time.Now()
	g := trdp.NewRedundancyGroup(1, "10.0.0.5", 5, time.Second)

	g.Heartbeat("10.0.0.9", 5, now) // equal priority, higher key -> loses tie
	if !g.Leader(now) {
		t.Fatal("Leader on tie against higher key = false, want true")
	}

	g.Heartbeat("10.0.0.1", 5, now) // equal priority, lower key -> wins tie
	if g.Leader(now) {
		t.Fatal("Leader on tie against lower key = true, want false")
	}
}

func TestRedundancyGroupStalePeerIgnored(t *testing.T) {
	t.Parallel()

	now := time.Now()
	g := trdp.NewRedundancyGroup(1, "10.0.0.5", 5, 100*time.Millisecond)

	g.Heartbeat("10.0.0.1", 1, now)
	later := now.Add(200 * time.Millisecond)
	if !g.Leader(later) {
		t.Fatal("Leader against a stale (deadBand-expired) peer = false, want true")
	}
}

func TestRedundancyGroupHeartbeatIgnoresLocalKey(t *testing.T) {
	t.Parallel()

	now := time.Now()
	g := trdp.NewRedundancyGroup(1, "10.0.0.5", 9, time.Second)

	// A heartbeat for the local key itself must never be recorded as a peer.
	g.Heartbeat("10.0.0.5", 0, now)
	if !g.Leader(now) {
		t.Fatal("Leader after self-heartbeat = false, want true")
	}
}

func TestRedundancyGroupPrune(t *testing.T) {
	t.Parallel()

	now := time.Now()
	g := trdp.NewRedundancyGroup(1, "10.0.0.5", 5, 100*time.Millisecond)

	g.Heartbeat("10.0.0.1", 1, now)
	later := now.Add(200 * time.Millisecond)
	g.Prune(later)

	// After pruning, the stale peer no longer contests the election even
	// back-dated to `now`, since it has been forgotten entirely.
	if !g.Leader(now) {
		t.Fatal("Leader after Prune discarded the stale peer = false, want true")
	}
}
