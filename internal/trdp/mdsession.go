package trdp

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// MDSession is the per-dialog state of one MD exchange: a UUID v1
// identity, the owning listener/callback, the dialog timeouts, reply
// bookkeeping, and current FSM state.
type MDSession struct {
	ID uuid.UUID

	ComID  uint32
	PeerIP netip.Addr
	UseTCP bool

	Callback MDCallback
	UserRef  any

	// Timeouts. ReplyTimeout is measured from CreatedAt; ConfirmTimeout is
	// measured from the arrival of the Mq that opens the confirm wait. The
	// TCP-level sending and
	// connection timeouts are not per-dialog state; they live on the
	// transport's connection pool (netio.Sender's dial and idle timeouts).
	ReplyTimeout   time.Duration
	ConfirmTimeout time.Duration

	NumExpectedReplies uint32 // 0 = unknown count

	NumReplies        uint32
	NumRepliesQuery   uint32
	NumConfirmSent    uint32
	NumConfirmTimeout uint32
	NumRetries        uint32
	NumRetriesMax     uint32

	State State

	CreatedAt   time.Time
	Deadline    time.Time
	LastTraffic time.Time

	SrcURI  string
	DestURI string

	// requestFrame and nextRetryDeadline back UDP Mr retransmission;
	// unused on the responder side and on TCP dialogs.
	requestFrame      []byte
	nextRetryDeadline time.Time
}

// newMDSession allocates a fresh MD session with a v1 UUID, created at
// now, in StateIdle. Callers set its timeouts and deadline.
func newMDSession(comID uint32, peer netip.Addr, now time.Time) (*MDSession, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}
	return &MDSession{
		ID:          id,
		ComID:       comID,
		PeerIP:      peer,
		State:       StateIdle,
		CreatedAt:   now,
		LastTraffic: now,
	}, nil
}

// Expired reports whether now is past s.Deadline. A zero Deadline never
// expires (used for sessions with no active timeout, e.g. StateDone).
func (s *MDSession) Expired(now time.Time) bool {
	return !s.Deadline.IsZero() && now.After(s.Deadline)
}

// RepliesSatisfied reports whether enough replies have arrived to close
// a known-count request early.
func (s *MDSession) RepliesSatisfied() bool {
	if s.NumExpectedReplies == 0 {
		return false
	}
	return s.NumReplies+s.NumRepliesQuery >= s.NumExpectedReplies
}
