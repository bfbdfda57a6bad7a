package trdp

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// MemConfig sizes the per-session buffers. Go's allocator makes a
// preallocated byte arena unnecessary; Open validates these parameters
// instead and returns MemErr on misconfiguration.
type MemConfig struct {
	// TrafficStoreSize is the initial Traffic Store allocation in bytes.
	TrafficStoreSize int
	// MaxNumSessions bounds the MD session table.
	MaxNumSessions int
}

func (m MemConfig) validate() error {
	if m.TrafficStoreSize <= 0 {
		return MemErr
	}
	if m.MaxNumSessions < 0 {
		return MemErr
	}
	return nil
}

// PacketSender is what a Session needs from the network layer: hand a
// fully framed datagram to dest over the named transport. internal/netio
// supplies the concrete PD/MD UDP and MD TCP implementations.
type PacketSender interface {
	SendPD(ctx context.Context, dest netip.Addr, frame []byte) error
	SendMDUDP(ctx context.Context, dest netip.Addr, frame []byte) error
	SendMDTCP(ctx context.Context, dest netip.Addr, frame []byte) error
}

// Config configures Session.Open.
type Config struct {
	LocalAddr      netip.Addr
	EtbTopoCount   uint32
	OpTrnTopoCount uint32
	Mem            MemConfig
	Registry       *Registry
	Sender         PacketSender
	Logger         *slog.Logger
	// Metrics receives PD/MD traffic instrumentation; nil means none.
	Metrics MetricsReporter
}

// Session is the single cooperative-concurrency handle a caller opens
// once and drives via GetInterval/Process (or the Run sugar), owning the
// PD engine, MD engine, Traffic Store, and listener table behind one
// mutex. There are no package-level tables; everything hangs off the
// Session value.
//
// Every exported method takes Session's lock for its duration; callbacks
// are invoked with the lock held, so a callback must never call back into
// the same Session.
type Session struct {
	mu sync.Mutex

	localAddr netip.Addr
	logger    *slog.Logger

	store     *TrafficStore
	registry  *Registry
	listeners *ListenerTable
	sessions  *MDSessionTable

	pd *PDEngine
	md *MDEngine

	joinedGroups map[netip.Addr]int // multicast group -> refcount

	closed bool
}

// Open validates cfg and constructs a Session. It does not itself open
// sockets; callers wire a PacketSender (internal/netio) and pass it in,
// keeping Session transport-agnostic for testing (bridge senders in
// test/integration).
func Open(cfg Config) (*Session, error) {
	if !cfg.LocalAddr.IsValid() {
		return nil, ParamErr
	}
	if cfg.Sender == nil {
		return nil, ParamErr
	}
	if err := cfg.Mem.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}

	s := &Session{
		localAddr:    cfg.LocalAddr,
		logger:       logger,
		store:        NewTrafficStore(cfg.Mem.TrafficStoreSize),
		registry:     reg,
		listeners:    NewListenerTable(),
		sessions:     NewMDSessionTable(cfg.Mem.MaxNumSessions),
		joinedGroups: make(map[netip.Addr]int),
	}
	s.pd = NewPDEngine(s.store, reg, cfg.Sender, cfg.LocalAddr, cfg.EtbTopoCount, cfg.OpTrnTopoCount, logger, cfg.Metrics)
	s.md = NewMDEngine(s.sessions, s.listeners, cfg.Sender, cfg.LocalAddr, cfg.EtbTopoCount, cfg.OpTrnTopoCount, logger, cfg.Metrics)

	return s, nil
}

// Close forces every open MD dialog to Aborted and marks the session
// unusable. It does not close the underlying PacketSender; that stays
// with the caller, who allocated it.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	for _, sess := range s.sessions.All() {
		s.md.AbortSession(sess)
	}
	s.closed = true
	return nil
}

func (s *Session) checkOpen() error {
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// PD delegates ------------------------------------------------------------

// Publish registers a cyclic PD publisher.
func (s *Session) Publish(comID uint32, dest netip.Addr, interval time.Duration, redID uint32, ds Descriptor, sliceSize int) (*Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.pd.Publish(comID, dest, interval, redID, ds, sliceSize, time.Now())
}

// Unpublish removes a PD publisher.
func (s *Session) Unpublish(comID uint32, dest netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.pd.Unpublish(comID, dest)
}

// WriteValue updates a publisher's current value in the Traffic Store.
func (s *Session) WriteValue(p *Publisher, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pd.WriteValue(p, data)
}

// Subscribe registers a cyclic PD subscriber.
func (s *Session) Subscribe(comID uint32, src, dest netip.Addr, timeout time.Duration, policy TimeoutPolicy, ds Descriptor, sliceSize int) (*Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.pd.Subscribe(comID, src, dest, timeout, policy, ds, sliceSize, time.Now())
}

// Unsubscribe removes a PD subscriber.
func (s *Session) Unsubscribe(comID uint32, src, dest netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.pd.Unsubscribe(comID, src, dest)
}

// ReadValue reads a subscriber's current value from the Traffic Store.
func (s *Session) ReadValue(sub *Subscriber) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pd.ReadValue(sub)
}

// SetRedundant sets this session's leader status for a redundancy group
// (see redundancy.go for the multi-session election helper).
func (s *Session) SetRedundant(redID uint32, leader bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pd.SetRedundant(redID, leader)
}

// Pull sends a PD pull request.
func (s *Session) Pull(ctx context.Context, replyComID uint32, dest netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.pd.Pull(ctx, replyComID, dest)
}

// MD delegates ------------------------------------------------------------

// Notify sends an Mn fire-and-forget MD message.
func (s *Session) Notify(ctx context.Context, comID uint32, dest netip.Addr, srcURI, destURI string, payload []byte, useTCP bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.md.Notify(ctx, comID, dest, srcURI, destURI, payload, useTCP)
}

// Request sends an Mr and returns the tracked dialog.
func (s *Session) Request(ctx context.Context, comID uint32, dest netip.Addr, payload []byte, opts RequestOptions) (*MDSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.md.Request(ctx, comID, dest, payload, opts, time.Now())
}

// Reply sends an Mp closing a responder-side dialog.
func (s *Session) Reply(ctx context.Context, sess *MDSession, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.Reply(ctx, sess, payload)
}

// ReplyQuery sends an Mq, awaiting the initiator's Mc.
func (s *Session) ReplyQuery(ctx context.Context, sess *MDSession, payload []byte, reqConfirmTimeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.ReplyQuery(ctx, sess, payload, reqConfirmTimeout, time.Now())
}

// Confirm sends an Mc closing an initiator-side dialog opened by Mq.
func (s *Session) Confirm(ctx context.Context, sess *MDSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.Confirm(ctx, sess)
}

// AbortSession forces a dialog closed.
func (s *Session) AbortSession(sess *MDSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.md.AbortSession(sess)
}

// FailPeerTCP terminates every open TCP MD dialog bound to peer with an
// IOErr final callback. The transport layer calls this when its pooled
// connection to that peer breaks.
func (s *Session) FailPeerTCP(peer netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.md.FailPeer(peer)
}

// AddListener registers an MD request/notification listener.
func (s *Session) AddListener(comID uint32, srcIP, destIP netip.Addr, destURI string, cb MDCallback, userRef any, flags ListenerFlags) (ListenerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return ListenerHandle{}, err
	}
	return s.listeners.Add(listenerKey{ComID: comID, SrcIP: srcIP, DestIP: destIP, DestURI: destURI}, cb, userRef, flags)
}

// DelListener removes a previously registered listener.
func (s *Session) DelListener(h ListenerHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners.Delete(h)
}

// Inbound processing --------------------------------------------------------

// DeliverPD hands a received, CRC-validated PD datagram to the PD engine.
// now is the receive timestamp, supplied by the caller like every other
// time-dependent engine entry point.
func (s *Session) DeliverPD(h PDHeader, payload []byte, srcIP, destIP netip.Addr, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pd.Deliver(h, payload, srcIP, destIP, now)
}

// DeliverMD hands a received, CRC-validated MD datagram to the MD engine.
func (s *Session) DeliverMD(ctx context.Context, h MDHeader, payload []byte, srcIP, destIP netip.Addr, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.md.Dispatch(ctx, h, payload, srcIP, destIP, now)
}

// Introspection ---------------------------------------------------------------

// LocalAddr returns the address this Session was opened with.
func (s *Session) LocalAddr() netip.Addr {
	return s.localAddr
}

// Stats reports population counts for admin and metrics consumers: the
// number of active PD publishers/subscribers and open MD dialogs.
func (s *Session) Stats() (numPublishers, numSubscribers, numMDSessions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	np, ns := s.pd.Stats()
	return np, ns, s.sessions.Len()
}

// Publishers returns a snapshot of every registered PD publisher.
func (s *Session) Publishers() []Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pd.Publishers()
}

// Subscribers returns a snapshot of every registered PD subscriber.
func (s *Session) Subscribers() []Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pd.Subscribers()
}

// MDSessions returns a snapshot of every open MD dialog.
func (s *Session) MDSessions() []*MDSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.All()
}

// Multicast group membership (ref-counted; Session tracks interest, the
// caller's PacketSender/netio layer performs the actual IGMP join/leave).

// JoinGroup increments the reference count for group, returning true the
// first time it becomes active (the caller should then actually join it).
func (s *Session) JoinGroup(group netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinedGroups[group]++
	return s.joinedGroups[group] == 1
}

// LeaveGroup decrements the reference count for group, returning true
// when it reaches zero (the caller should then actually leave it).
func (s *Session) LeaveGroup(group netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.joinedGroups[group]
	if !ok {
		return false
	}
	n--
	if n <= 0 {
		delete(s.joinedGroups, group)
		return true
	}
	s.joinedGroups[group] = n
	return false
}

// Scheduling -----------------------------------------------------------------

// GetInterval reports how long the caller may safely block (e.g. in a
// select) before Process needs to run again: the earliest of the next due
// publisher deadline and a fixed timeout-scan tick.
func (s *Session) GetInterval(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	const timeoutScanTick = 100 * time.Millisecond
	next := s.pd.NextDeadline()
	if next.IsZero() || next.Sub(now) > timeoutScanTick {
		return timeoutScanTick
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Process fires any due cyclic publishers and runs the PD/MD timeout
// scans. Callers invoke GetInterval/Process in a loop; Run wraps that loop
// for callers that don't need finer control over the driving select.
func (s *Session) Process(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pd.Tick(ctx, now)
	s.pd.CheckTimeouts(now)
	s.md.CheckTimeouts(ctx, now)
}

// Run drives GetInterval/Process in a loop until ctx is cancelled,
// supplementing the bare API for callers with no other event sources to
// multiplex against.
func (s *Session) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			now := time.Now()
			s.Process(ctx, now)
			timer.Reset(s.GetInterval(now))
		}
	}
}
