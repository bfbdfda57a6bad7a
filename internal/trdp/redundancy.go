package trdp

import (
	"sync"
	"time"
)

// RedundancyGroup coordinates leader election across the local set of
// Sessions sharing a redundancy ID, supplementing the bare
// Session.SetRedundant primitive with a "highest priority, tie-broken
// by lowest address, alive within deadBand" election. It does not itself
// send or receive anything; callers feed it peer heartbeats and apply
// its Leader() verdict via SetRedundant.
type RedundancyGroup struct {
	mu sync.Mutex

	redID    uint32
	deadBand time.Duration

	localKey      string
	localPriority uint8

	peers map[string]peerState
}

type peerState struct {
	priority uint8
	lastSeen time.Time
}

// NewRedundancyGroup constructs a group election tracker. localKey
// identifies this session (its IP address, stringified, is the natural
// choice) and breaks priority ties by string order, lowest winning.
func NewRedundancyGroup(redID uint32, localKey string, localPriority uint8, deadBand time.Duration) *RedundancyGroup {
	return &RedundancyGroup{
		redID:         redID,
		deadBand:      deadBand,
		localKey:      localKey,
		localPriority: localPriority,
		peers:         make(map[string]peerState),
	}
}

// Heartbeat records that peerKey is alive with the given priority as of
// now. A zero-value peerKey is ignored (guards against accidentally
// recording the local key as if it were remote).
func (g *RedundancyGroup) Heartbeat(peerKey string, priority uint8, now time.Time) {
	if peerKey == "" || peerKey == g.localKey {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[peerKey] = peerState{priority: priority, lastSeen: now}
}

// Leader reports whether the local session currently wins the election:
// the lowest numeric priority among peers seen within deadBand, ties
// broken by lowest key. A priority of 0 is highest.
func (g *RedundancyGroup) Leader(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	bestPriority := g.localPriority
	bestKey := g.localKey

	for key, p := range g.peers {
		if now.Sub(p.lastSeen) > g.deadBand {
			continue // stale entry, treated as dead
		}
		if p.priority < bestPriority || (p.priority == bestPriority && key < bestKey) {
			bestPriority = p.priority
			bestKey = key
		}
	}

	return bestKey == g.localKey
}

// Prune discards peer entries older than deadBand, bounding the map's
// growth across a long-running session.
func (g *RedundancyGroup) Prune(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, p := range g.peers {
		if now.Sub(p.lastSeen) > g.deadBand {
			delete(g.peers, key)
		}
	}
}
