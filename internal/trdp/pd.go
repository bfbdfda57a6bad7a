package trdp

import (
	"context"
	"log/slog"
	"net/netip"
	"time"
)

// MaxPDPayload is the maximum marshalled PD dataset size; 1436 bytes of
// dataset fits a typical MTU alongside the header and body CRC.
const MaxPDPayload = 1436

// TimeoutPolicy controls what a subscriber's slice becomes when its
// timeout elapses with no traffic.
type TimeoutPolicy uint8

// Subscriber timeout policies.
const (
	PolicyKeepLast TimeoutPolicy = iota
	PolicyZero
	PolicyInvalid
)

// PDTransport is the send-side collaborator the PD engine needs from the
// session's transport layer: hand a fully framed datagram to the given
// destination. Framing (header + payload + body CRC) is the engine's
// responsibility; PDTransport only moves bytes.
type PDTransport interface {
	SendPD(ctx context.Context, dest netip.Addr, frame []byte) error
}

// pubKey is the Publisher identity: at most one publisher per
// (comId, destIP).
type pubKey struct {
	ComID uint32
	Dest  netip.Addr
}

// Publisher is one cyclic sender.
type Publisher struct {
	ComID    uint32
	Dest     netip.Addr
	Interval time.Duration
	RedID    uint32
	Dataset  Descriptor
	slice    Slice

	nextDeadline time.Time
	fireOnce     bool // pull-armed: fire on next Tick regardless of interval
	failCount    uint64
}

// subKey is the Subscriber identity: at most one subscriber per
// (comId, srcFilter, dstFilter).
type subKey struct {
	ComID uint32
	Src   netip.Addr
	Dest  netip.Addr
}

// Subscriber is one cyclic receiver.
type Subscriber struct {
	ComID   uint32
	Src     netip.Addr // IsValid()==false means "any"
	Dest    netip.Addr
	Timeout time.Duration
	Policy  TimeoutPolicy
	Dataset Descriptor
	slice   Slice

	lastSeen  time.Time
	lastSeq   uint32
	timedOut  bool
	OnTimeout func(resultCode ResultCode)
	OnUpdate  func()
}

// Invalid reports whether the subscriber's current value has been marked
// stale by a timeout and no fresh datagram has arrived since.
func (s *Subscriber) Invalid() bool {
	return s.timedOut
}

// PDEngine schedules sending of publications and handles reception,
// timeout, and pull for subscriptions, backed by a shared Traffic Store.
type PDEngine struct {
	store     *TrafficStore
	registry  *Registry
	transport PDTransport
	logger    *slog.Logger
	metrics   MetricsReporter
	local     netip.Addr

	etbTopoCount   uint32
	opTrnTopoCount uint32

	publishers  map[pubKey]*Publisher
	pubsByComID map[uint32][]*Publisher
	subscribers map[subKey]*Subscriber

	redLeader map[uint32]bool

	seqCounters map[pubKey]uint32
}

// NewPDEngine constructs an engine bound to store and transport. topoCounts
// are stamped onto every emitted header and used to drop mismatched
// incoming datagrams. metrics may be nil; a no-op reporter is used then.
func NewPDEngine(store *TrafficStore, reg *Registry, transport PDTransport, local netip.Addr, etbTopoCount, opTrnTopoCount uint32, logger *slog.Logger, metrics MetricsReporter) *PDEngine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &PDEngine{
		store:          store,
		registry:       reg,
		transport:      transport,
		logger:         logger,
		metrics:        metrics,
		local:          local,
		etbTopoCount:   etbTopoCount,
		opTrnTopoCount: opTrnTopoCount,
		publishers:     make(map[pubKey]*Publisher),
		pubsByComID:    make(map[uint32][]*Publisher),
		subscribers:    make(map[subKey]*Subscriber),
		redLeader:      make(map[uint32]bool),
		seqCounters:    make(map[pubKey]uint32),
	}
}

// Publish registers a cyclic publisher, allocating its Traffic Store
// slice. An interval of zero creates a pull-only publisher: it never
// fires on the clock, only when Deliver sees a matching "Pr" request.
func (e *PDEngine) Publish(comID uint32, dest netip.Addr, interval time.Duration, redID uint32, ds Descriptor, sliceSize int, now time.Time) (*Publisher, error) {
	key := pubKey{ComID: comID, Dest: dest}
	if _, exists := e.publishers[key]; exists {
		return nil, ErrDuplicatePublisher
	}
	if sliceSize > MaxPDPayload {
		return nil, ErrPayloadTooLarge
	}

	p := &Publisher{
		ComID:    comID,
		Dest:     dest,
		Interval: interval,
		RedID:    redID,
		Dataset:  ds,
		slice:    e.store.Alloc(sliceSize),
	}
	if interval > 0 {
		p.nextDeadline = now.Add(interval)
	}

	e.publishers[key] = p
	e.pubsByComID[comID] = append(e.pubsByComID[comID], p)
	return p, nil
}

// Unpublish removes a publisher; a subsequent Publish with the same key
// succeeds again.
func (e *PDEngine) Unpublish(comID uint32, dest netip.Addr) error {
	key := pubKey{ComID: comID, Dest: dest}
	p, ok := e.publishers[key]
	if !ok {
		return ErrUnknownHandle
	}
	delete(e.publishers, key)
	delete(e.seqCounters, key)

	list := e.pubsByComID[comID]
	for i, cand := range list {
		if cand == p {
			e.pubsByComID[comID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// WriteValue copies a freshly marshalled payload into publisher's slice
// under the store lock. Callers marshal the native value against
// publisher.Dataset themselves (or via Marshal) and pass the bytes here.
func (e *PDEngine) WriteValue(p *Publisher, data []byte) {
	e.store.CopyIn(p.slice, data)
}

// Subscribe registers a cyclic subscriber, allocating its slice.
func (e *PDEngine) Subscribe(comID uint32, src, dest netip.Addr, timeout time.Duration, policy TimeoutPolicy, ds Descriptor, sliceSize int, now time.Time) (*Subscriber, error) {
	key := subKey{ComID: comID, Src: src, Dest: dest}
	if _, exists := e.subscribers[key]; exists {
		return nil, ErrDuplicateSubscriber
	}

	s := &Subscriber{
		ComID:    comID,
		Src:      src,
		Dest:     dest,
		Timeout:  timeout,
		Policy:   policy,
		Dataset:  ds,
		slice:    e.store.Alloc(sliceSize),
		lastSeen: now,
	}
	e.subscribers[key] = s
	return s, nil
}

// Unsubscribe removes a subscriber.
func (e *PDEngine) Unsubscribe(comID uint32, src, dest netip.Addr) error {
	key := subKey{ComID: comID, Src: src, Dest: dest}
	if _, ok := e.subscribers[key]; !ok {
		return ErrUnknownHandle
	}
	delete(e.subscribers, key)
	return nil
}

// ReadValue copies the subscriber's current slice out of the Traffic
// Store under the store lock.
func (e *PDEngine) ReadValue(s *Subscriber) []byte {
	return e.store.CopyOut(s.slice)
}

// SetRedundant sets the leader flag for redID. Only a publisher whose
// RedID is non-zero and whose session is leader for that group actually
// transmits; its timer still fires either way.
func (e *PDEngine) SetRedundant(redID uint32, leader bool) {
	e.redLeader[redID] = leader
}

// Stats reports the current publisher/subscriber population for admin
// introspection and metrics collection.
func (e *PDEngine) Stats() (numPublishers, numSubscribers int) {
	return len(e.publishers), len(e.subscribers)
}

// Publishers returns a snapshot of every registered publisher.
func (e *PDEngine) Publishers() []Publisher {
	out := make([]Publisher, 0, len(e.publishers))
	for _, p := range e.publishers {
		out = append(out, *p)
	}
	return out
}

// Subscribers returns a snapshot of every registered subscriber.
func (e *PDEngine) Subscribers() []Subscriber {
	out := make([]Subscriber, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		out = append(out, *s)
	}
	return out
}

// NextDeadline returns the earliest pending publisher deadline, or the
// zero Time if no cyclic publisher is scheduled.
func (e *PDEngine) NextDeadline() time.Time {
	var min time.Time
	for _, p := range e.publishers {
		if p.Interval <= 0 && !p.fireOnce {
			continue
		}
		if min.IsZero() || p.nextDeadline.Before(min) {
			min = p.nextDeadline
		}
	}
	return min
}

// Tick fires every publisher whose deadline has elapsed (or which was
// armed by a pull request); publishers due in the same call fire in no
// particular order. Marshalling or send
// failures increment the publisher's fail counter and are logged; they
// never propagate out of Tick.
func (e *PDEngine) Tick(ctx context.Context, now time.Time) {
	for key, p := range e.publishers {
		due := p.fireOnce || (p.Interval > 0 && !p.nextDeadline.After(now))
		if !due {
			continue
		}

		p.fireOnce = false
		if p.Interval > 0 {
			p.nextDeadline = now.Add(p.Interval)
		}

		if p.RedID != 0 && !e.redLeader[p.RedID] {
			continue
		}

		if err := e.send(ctx, key, p, now); err != nil {
			p.failCount++
			e.logger.Debug("pd publisher send failed",
				slog.Uint64("comid", uint64(p.ComID)), slog.String("error", err.Error()))
		}
	}
}

func (e *PDEngine) send(ctx context.Context, key pubKey, p *Publisher, now time.Time) error {
	payload := padTo4(e.store.CopyOut(p.slice))

	seq := e.seqCounters[key] + 1
	e.seqCounters[key] = seq

	h := PDHeader{
		CommonHeader: CommonHeader{
			SequenceCounter: seq,
			ProtocolVersion: ProtocolVersion,
			MsgType:         MsgPD,
			ComID:           p.ComID,
			EtbTopoCount:    e.etbTopoCount,
			OpTrnTopoCount:  e.opTrnTopoCount,
			DatasetLength:   uint32(len(payload)),
		},
	}

	frame := append(EncodePD(h), appendBodyCRC(payload)...)
	if err := e.transport.SendPD(ctx, p.Dest, frame); err != nil {
		return err
	}
	e.metrics.IncPDPacketsSent(e.local, p.ComID)
	return nil
}

// Pull sends a PD pull request ("Pr") for replyComId to dest. The
// requester's own subscriber (already registered via Subscribe) receives
// the eventual response through the normal Deliver path.
func (e *PDEngine) Pull(ctx context.Context, replyComID uint32, dest netip.Addr) error {
	h := PDHeader{
		CommonHeader: CommonHeader{
			ProtocolVersion: ProtocolVersion,
			MsgType:         MsgPDRequest,
			ComID:           replyComID,
			EtbTopoCount:    e.etbTopoCount,
			OpTrnTopoCount:  e.opTrnTopoCount,
		},
		ReplyComID: replyComID,
	}
	frame := append(EncodePD(h), appendBodyCRC(nil)...)
	return e.transport.SendPD(ctx, dest, frame)
}

// Deliver processes one received, CRC-validated PD datagram: a "Pr" pull
// request arms the matching publisher to fire on the next Tick; any other
// PD message is matched against the subscriber list and copied into the
// Traffic Store. Mismatched topoCount or unknown comId are silently
// dropped with a debug log line.
func (e *PDEngine) Deliver(h PDHeader, payload []byte, srcIP, destIP netip.Addr, now time.Time) {
	if h.EtbTopoCount != e.etbTopoCount || h.OpTrnTopoCount != e.opTrnTopoCount {
		e.logger.Debug("pd datagram dropped: topo mismatch", slog.Uint64("comid", uint64(h.ComID)))
		e.metrics.IncPDPacketsDropped(e.local)
		return
	}

	if h.MsgType == MsgPDRequest {
		e.armPull(h.ReplyComID)
		return
	}

	s, ok := e.matchSubscriber(h.ComID, srcIP, destIP)
	if !ok {
		e.logger.Debug("pd datagram dropped: no subscriber", slog.Uint64("comid", uint64(h.ComID)))
		e.metrics.IncPDPacketsDropped(e.local)
		return
	}

	if h.SequenceCounter != 0 && h.SequenceCounter == s.lastSeq {
		e.logger.Debug("pd datagram dropped: duplicate sequence", slog.Uint64("comid", uint64(h.ComID)))
		e.metrics.IncPDPacketsDropped(e.local)
		return
	}
	s.lastSeq = h.SequenceCounter

	e.store.CopyIn(s.slice, payload)
	e.metrics.IncPDPacketsReceived(e.local, h.ComID)
	s.lastSeen = now
	s.timedOut = false
	if s.OnUpdate != nil {
		s.OnUpdate()
	}
}

func (e *PDEngine) armPull(replyComID uint32) {
	for _, p := range e.pubsByComID[replyComID] {
		p.fireOnce = true
	}
}

// matchSubscriber finds the subscriber for comID whose src and dest filters
// match srcIP/destIP (exact or "any", i.e. an invalid/zero Addr). When
// several match, the most specific wins: an exact source filter outranks
// an exact destination filter, which outranks "any".
func (e *PDEngine) matchSubscriber(comID uint32, srcIP, destIP netip.Addr) (*Subscriber, bool) {
	var best *Subscriber
	bestScore := -1
	for key, s := range e.subscribers {
		if key.ComID != comID {
			continue
		}
		if key.Src.IsValid() && key.Src != srcIP {
			continue
		}
		if key.Dest.IsValid() && key.Dest != destIP {
			continue
		}
		score := 0
		if key.Src.IsValid() {
			score += 2
		}
		if key.Dest.IsValid() {
			score++
		}
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	return best, best != nil
}

// CheckTimeouts applies the configured timeout policy to every subscriber
// whose last traffic is older than its timeout, delivering a timeout
// notification.
func (e *PDEngine) CheckTimeouts(now time.Time) {
	for _, s := range e.subscribers {
		if s.Timeout <= 0 || s.timedOut {
			continue
		}
		if now.Sub(s.lastSeen) <= s.Timeout {
			continue
		}

		s.timedOut = true
		switch s.Policy {
		case PolicyZero:
			e.store.Zero(s.slice)
		case PolicyInvalid:
			// value kept, but Invalid() reports true until fresh traffic.
		case PolicyKeepLast:
			// no-op: the store already holds the last value.
		}

		if s.OnTimeout != nil {
			s.OnTimeout(TimeoutErr)
		}
	}
}
