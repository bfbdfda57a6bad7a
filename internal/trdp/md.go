package trdp

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// defaultRetryWindow bounds how long a duplicate Mr UUID is remembered for
// dedup purposes.
const defaultRetryWindow = 30 * time.Second

// mdRetryBaseInterval is the first UDP Mr retry delay; each subsequent
// retry doubles it.
const mdRetryBaseInterval = 50 * time.Millisecond

// retryBackoff returns the delay before Mr retry number n+1 (n is the
// count of retries already sent).
func retryBackoff(n uint32) time.Duration {
	const maxShift = 16 // guards against overflow on a runaway retry count
	if n > maxShift {
		n = maxShift
	}
	return mdRetryBaseInterval << n
}

// MDTransport is the send-side collaborator the MD engine needs: frame a
// message over UDP (with retransmission) or TCP (connection reuse,
// fragmented send). The engine hands over fully
// encoded frames; MDTransport only moves bytes and reports IO_ERR-shaped
// failures.
type MDTransport interface {
	SendMDUDP(ctx context.Context, dest netip.Addr, frame []byte) error
	SendMDTCP(ctx context.Context, dest netip.Addr, frame []byte) error
}

// MDEngine runs the per-dialog state machines for the Mn/Mr/Mp/Mq/Mc/Me
// exchanges, backed by the listener table for inbound demux and the MD
// session table for dialog lifetime.
type MDEngine struct {
	sessions  *MDSessionTable
	listeners *ListenerTable
	transport MDTransport
	logger    *slog.Logger
	metrics   MetricsReporter
	local     netip.Addr

	etbTopoCount   uint32
	opTrnTopoCount uint32

	seenRequests map[uuid.UUID]time.Time
}

// NewMDEngine constructs an engine over the given session/listener tables.
// metrics may be nil; a no-op reporter is used then.
func NewMDEngine(sessions *MDSessionTable, listeners *ListenerTable, transport MDTransport, local netip.Addr, etbTopoCount, opTrnTopoCount uint32, logger *slog.Logger, metrics MetricsReporter) *MDEngine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &MDEngine{
		sessions:       sessions,
		listeners:      listeners,
		transport:      transport,
		logger:         logger,
		metrics:        metrics,
		local:          local,
		etbTopoCount:   etbTopoCount,
		opTrnTopoCount: opTrnTopoCount,
		seenRequests:   make(map[uuid.UUID]time.Time),
	}
}

// transition moves sess to next, recording the state change for metrics.
func (e *MDEngine) transition(sess *MDSession, next State) {
	if next != sess.State {
		e.metrics.RecordMDStateTransition(e.local, sess.State.String(), next.String())
	}
	sess.State = next
}

func uriBytes(s string) [uriLabelSize]byte {
	var b [uriLabelSize]byte
	copy(b[:], s)
	return b
}

func uriString(b [uriLabelSize]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func (e *MDEngine) header(msgType MsgType, comID uint32, sessionID [sessionIDLen]byte, replyStatus int32, replyTimeout time.Duration, srcURI, destURI string, datasetLen int) MDHeader {
	return MDHeader{
		CommonHeader: CommonHeader{
			ProtocolVersion: ProtocolVersion,
			MsgType:         msgType,
			ComID:           comID,
			EtbTopoCount:    e.etbTopoCount,
			OpTrnTopoCount:  e.opTrnTopoCount,
			DatasetLength:   uint32(datasetLen),
		},
		ReplyStatus:  replyStatus,
		SessionID:    sessionID,
		ReplyTimeout: uint32(replyTimeout / time.Millisecond),
		SourceURI:    uriBytes(srcURI),
		DestURI:      uriBytes(destURI),
	}
}

func frameMD(h MDHeader, payload []byte) []byte {
	return append(EncodeMD(h), appendBodyCRC(padTo4(payload))...)
}

func (e *MDEngine) send(ctx context.Context, dest netip.Addr, useTCP bool, frame []byte) error {
	if useTCP {
		return e.transport.SendMDTCP(ctx, dest, frame)
	}
	return e.transport.SendMDUDP(ctx, dest, frame)
}

// Notify sends an Mn fire-and-forget message. No session state is kept
// after send; sessionId on the wire is all zeros.
func (e *MDEngine) Notify(ctx context.Context, comID uint32, dest netip.Addr, srcURI, destURI string, payload []byte, useTCP bool) error {
	h := e.header(MsgMn, comID, [sessionIDLen]byte{}, 0, 0, srcURI, destURI, len(payload))
	return e.send(ctx, dest, useTCP, frameMD(h, payload))
}

// RequestOptions configures a Request call.
type RequestOptions struct {
	NumExpectedReplies uint32 // 0 = unknown
	ReplyTimeout       time.Duration
	ConfirmTimeout     time.Duration // Mq -> Mc wait; 0 keeps the reply deadline
	UseTCP             bool
	SrcURI             string
	DestURI            string
	NumRetriesMax      uint32
	Callback           MDCallback
	UserRef            any
}

// Request sends an Mr and tracks the resulting dialog in the MD session
// table until it reaches a terminal state.
func (e *MDEngine) Request(ctx context.Context, comID uint32, dest netip.Addr, payload []byte, opts RequestOptions, now time.Time) (*MDSession, error) {
	sess, err := newMDSession(comID, dest, now)
	if err != nil {
		return nil, err
	}
	e.transition(sess, StateReqSent)
	sess.UseTCP = opts.UseTCP
	sess.SrcURI = opts.SrcURI
	sess.DestURI = opts.DestURI
	sess.ReplyTimeout = opts.ReplyTimeout
	sess.ConfirmTimeout = opts.ConfirmTimeout
	sess.NumExpectedReplies = opts.NumExpectedReplies
	sess.NumRetriesMax = opts.NumRetriesMax
	sess.Callback = opts.Callback
	sess.UserRef = opts.UserRef
	sess.Deadline = now.Add(opts.ReplyTimeout)

	if err := e.sessions.Insert(sess); err != nil {
		return nil, err
	}

	idBytes, _ := sess.ID.MarshalBinary() //nolint:errcheck // uuid.UUID.MarshalBinary never errors
	var sid [sessionIDLen]byte
	copy(sid[:], idBytes)

	h := e.header(MsgMr, comID, sid, 0, opts.ReplyTimeout, opts.SrcURI, opts.DestURI, len(payload))
	frame := frameMD(h, payload)
	if err := e.send(ctx, dest, opts.UseTCP, frame); err != nil {
		e.sessions.Remove(sess.ID)
		return nil, err
	}

	if !opts.UseTCP && opts.NumRetriesMax > 0 {
		sess.requestFrame = frame
		sess.nextRetryDeadline = now.Add(retryBackoff(0))
	}

	return sess, nil
}

// Reply sends an Mp for a responder-side session created when its Mr
// arrived, closing the dialog without expecting a confirmation.
func (e *MDEngine) Reply(ctx context.Context, sess *MDSession, payload []byte) error {
	t, ok := ApplyEvent(sess.State, EventUserReply)
	if !ok {
		return ErrUnknownHandle
	}
	e.transition(sess, t.next)

	idBytes, _ := sess.ID.MarshalBinary() //nolint:errcheck
	var sid [sessionIDLen]byte
	copy(sid[:], idBytes)

	h := e.header(MsgMp, sess.ComID, sid, int32(OK), 0, sess.DestURI, sess.SrcURI, len(payload))
	err := e.send(ctx, sess.PeerIP, sess.UseTCP, frameMD(h, payload))
	e.sessions.Remove(sess.ID)
	return err
}

// ReplyQuery sends an Mq, keeping the responder-side session open in
// StateAwaitConfirmRecv until the initiator's Mc arrives or
// reqConfirmTimeout elapses.
func (e *MDEngine) ReplyQuery(ctx context.Context, sess *MDSession, payload []byte, reqConfirmTimeout time.Duration, now time.Time) error {
	t, ok := ApplyEvent(sess.State, EventUserReplyQuery)
	if !ok {
		return ErrUnknownHandle
	}
	e.transition(sess, t.next)
	sess.Deadline = now.Add(reqConfirmTimeout)

	idBytes, _ := sess.ID.MarshalBinary() //nolint:errcheck
	var sid [sessionIDLen]byte
	copy(sid[:], idBytes)

	h := e.header(MsgMq, sess.ComID, sid, int32(OK), 0, sess.DestURI, sess.SrcURI, len(payload))
	return e.send(ctx, sess.PeerIP, sess.UseTCP, frameMD(h, payload))
}

// Confirm sends an Mc for an initiator-side session sitting in
// StateAwaitConfirmSend after an Mq arrived.
func (e *MDEngine) Confirm(ctx context.Context, sess *MDSession) error {
	t, ok := ApplyEvent(sess.State, EventUserConfirm)
	if !ok {
		return ErrUnknownHandle
	}
	e.transition(sess, t.next)
	sess.NumConfirmSent++

	idBytes, _ := sess.ID.MarshalBinary() //nolint:errcheck
	var sid [sessionIDLen]byte
	copy(sid[:], idBytes)

	h := e.header(MsgMc, sess.ComID, sid, int32(OK), 0, sess.SrcURI, sess.DestURI, 0)
	err := e.send(ctx, sess.PeerIP, sess.UseTCP, frameMD(h, nil))
	e.sessions.Remove(sess.ID)
	return err
}

// FailPeer forces every open TCP dialog bound to peer to terminal state
// with IOErr, delivering each session's final callback. Called when the
// pooled TCP connection to that peer breaks; the transport re-dials on
// the next send attempt, but dialogs in flight over the dead connection
// cannot complete.
func (e *MDEngine) FailPeer(peer netip.Addr) {
	for _, sess := range e.sessions.All() {
		if !sess.UseTCP || sess.PeerIP != peer {
			continue
		}
		if t, ok := ApplyEvent(sess.State, EventAbort); ok {
			e.transition(sess, t.next)
			if sess.Callback != nil {
				sess.Callback(MDMeta{ComID: sess.ComID, SessionID: sessionIDBytes(sess.ID), Result: IOErr, UserRef: sess.UserRef}, nil)
			}
		}
		e.sessions.Remove(sess.ID)
	}
}

// AbortSession forces a session to terminal state with Aborted,
// regardless of its current state, and removes it from the table.
func (e *MDEngine) AbortSession(sess *MDSession) {
	if t, ok := ApplyEvent(sess.State, EventAbort); ok {
		e.transition(sess, t.next)
		if sess.Callback != nil {
			sess.Callback(MDMeta{ComID: sess.ComID, SessionID: sessionIDBytes(sess.ID), Result: Aborted, UserRef: sess.UserRef}, nil)
		}
	}
	e.sessions.Remove(sess.ID)
}

func sessionIDBytes(id uuid.UUID) [sessionIDLen]byte {
	var b [sessionIDLen]byte
	raw, _ := id.MarshalBinary() //nolint:errcheck
	copy(b[:], raw)
	return b
}

// Dispatch processes one received, CRC-validated MD datagram. Mn/Mr
// demux against the Listener Table by (comId, destURI); Mp/Mq/Mc/Me
// demux against the Session Table by the initiator's UUID.
func (e *MDEngine) Dispatch(ctx context.Context, h MDHeader, payload []byte, srcIP, destIP netip.Addr, now time.Time) {
	if h.EtbTopoCount != e.etbTopoCount || h.OpTrnTopoCount != e.opTrnTopoCount {
		e.logger.Debug("md datagram dropped: topo mismatch", slog.Uint64("comid", uint64(h.ComID)))
		return
	}

	switch h.MsgType {
	case MsgMn:
		e.dispatchNotify(h, payload, srcIP, destIP)
	case MsgMr:
		e.dispatchRequest(ctx, h, payload, srcIP, destIP, now)
	case MsgMp, MsgMq, MsgMc, MsgMe:
		e.dispatchReply(h, payload, now)
	default:
		e.logger.Debug("md datagram dropped: unknown msgType", slog.String("type", h.MsgType.String()))
	}
}

func (e *MDEngine) dispatchNotify(h MDHeader, payload []byte, srcIP, destIP netip.Addr) {
	entry, ok := e.listeners.Match(h.ComID, srcIP, destIP, uriString(h.DestURI))
	if !ok {
		e.logger.Debug("md notify dropped: no listener", slog.Uint64("comid", uint64(h.ComID)))
		return
	}
	entry.callback(e.meta(h, OK), payload)
}

func (e *MDEngine) dispatchRequest(ctx context.Context, h MDHeader, payload []byte, srcIP, destIP netip.Addr, now time.Time) {
	id, err := uuid.FromBytes(h.SessionID[:])
	if err == nil {
		if seenAt, dup := e.seenRequests[id]; dup && now.Sub(seenAt) < defaultRetryWindow {
			return // duplicate UDP retry, already handled
		}
		e.seenRequests[id] = now
	}

	entry, ok := e.listeners.Match(h.ComID, srcIP, destIP, uriString(h.DestURI))
	if !ok {
		e.sendError(ctx, h, srcIP, NoListener)
		return
	}

	sess, mkErr := newMDSession(h.ComID, srcIP, now)
	if mkErr == nil {
		sess.ID = id
		e.transition(sess, StateReqRecvd)
		sess.SrcURI = uriString(h.SourceURI)
		sess.DestURI = uriString(h.DestURI)
		sess.Callback = entry.callback
		sess.UserRef = entry.userRef
		_ = e.sessions.Insert(sess)
	}

	entry.callback(e.meta(h, OK), payload)
}

func (e *MDEngine) sendError(ctx context.Context, h MDHeader, dest netip.Addr, code ResultCode) {
	eh := e.header(MsgMe, h.ComID, h.SessionID, int32(code), 0, uriString(h.DestURI), uriString(h.SourceURI), 0)
	if err := e.send(ctx, dest, false, frameMD(eh, nil)); err != nil {
		e.logger.Debug("md error reply send failed", slog.String("error", err.Error()))
	}
}

func (e *MDEngine) dispatchReply(h MDHeader, payload []byte, now time.Time) {
	id, err := uuid.FromBytes(h.SessionID[:])
	if err != nil {
		return
	}
	sess, ok := e.sessions.Lookup(id)
	if !ok {
		return // stale or already-terminal dialog; drop silently
	}

	event, ok := msgTypeToEvent(h.MsgType)
	if !ok {
		return
	}

	progress := e.meta(h, OK)
	progress.UserRef = sess.UserRef

	switch h.MsgType {
	case MsgMp:
		sess.NumReplies++
		if sess.Callback != nil {
			sess.Callback(progress, payload)
		}
		if sess.NumExpectedReplies == 0 || !sess.RepliesSatisfied() {
			return // more replies may still arrive; stay in StateReqSent
		}
	case MsgMq:
		sess.NumRepliesQuery++
		if sess.Callback != nil {
			sess.Callback(progress, payload)
		}
	case MsgMc:
		// handled via ApplyEvent below; no counters to bump here.
	case MsgMe:
		e.transition(sess, StateDone)
		if sess.Callback != nil {
			errMeta := e.meta(h, h.resultCode())
			errMeta.UserRef = sess.UserRef
			sess.Callback(errMeta, payload)
		}
		e.sessions.Remove(sess.ID)
		return
	}

	t, ok := ApplyEvent(sess.State, event)
	if !ok {
		return
	}
	e.transition(sess, t.next)

	switch t.action {
	case ActionCallbackConfirm:
		if sess.Callback != nil {
			confirmMeta := e.meta(h, OK)
			confirmMeta.UserRef = sess.UserRef
			sess.Callback(confirmMeta, payload)
		}
		e.sessions.Remove(sess.ID)
	case ActionCallbackReply:
		if sess.Callback != nil {
			final := e.meta(h, OK)
			final.NumReplies = sess.NumReplies
			final.UserRef = sess.UserRef
			sess.Callback(final, nil)
		}
		e.sessions.Remove(sess.ID)
	}

	if sess.State == StateAwaitConfirmSend && sess.ConfirmTimeout > 0 {
		sess.Deadline = now.Add(sess.ConfirmTimeout)
	}
}

func (h MDHeader) resultCode() ResultCode {
	if h.ReplyStatus >= 0 && int(h.ReplyStatus) < len(resultNames) {
		return ResultCode(h.ReplyStatus)
	}
	return IOErr
}

func (e *MDEngine) meta(h MDHeader, result ResultCode) MDMeta {
	return MDMeta{
		ComID:     h.ComID,
		SrcURI:    uriString(h.SourceURI),
		DestURI:   uriString(h.DestURI),
		MsgType:   h.MsgType,
		SessionID: h.SessionID,
		Result:    result,
	}
}

// CheckTimeouts resends an outstanding UDP Mr at geometric back-off while
// retries remain and the reply-timeout deadline hasn't elapsed, and applies
// reply/confirm/reqConfirm timeouts to every open MD session whose deadline
// has elapsed, delivering the corresponding final callback and removing it
// from the table.
func (e *MDEngine) CheckTimeouts(ctx context.Context, now time.Time) {
	for _, sess := range e.sessions.All() {
		if e.retryIfDue(ctx, sess, now) {
			continue
		}

		if !sess.Expired(now) {
			continue
		}

		var event Event
		var code ResultCode
		var kind string
		switch sess.State {
		case StateReqSent:
			event, code, kind = EventReplyTimeout, ReplyToErr, "reply"
		case StateAwaitConfirmSend:
			event, code, kind = EventConfirmTimeout, ConfirmToErr, "confirm"
			sess.NumConfirmTimeout++
		case StateAwaitConfirmRecv:
			event, code, kind = EventReqConfirmTimeout, ReqConfirmToErr, "reqConfirm"
		default:
			continue
		}
		e.metrics.IncMDTimeout(e.local, kind)

		if t, ok := ApplyEvent(sess.State, event); ok {
			e.transition(sess, t.next)
		}
		if sess.Callback != nil {
			sess.Callback(MDMeta{ComID: sess.ComID, SessionID: sessionIDBytes(sess.ID), Result: code, UserRef: sess.UserRef}, nil)
		}
		e.sessions.Remove(sess.ID)
	}
}

// retryIfDue resends sess's stored Mr frame over UDP when a retry is due
// (nextRetryDeadline elapsed, retries remain, and the reply-timeout
// deadline hasn't yet passed), reporting whether it did so. A dispatched
// retry leaves sess.State and the session table untouched; the reply
// timeout itself is still handled by the caller once Deadline elapses.
func (e *MDEngine) retryIfDue(ctx context.Context, sess *MDSession, now time.Time) bool {
	if sess.State != StateReqSent || sess.requestFrame == nil {
		return false
	}
	if sess.NumRetries >= sess.NumRetriesMax {
		return false
	}
	if sess.nextRetryDeadline.IsZero() || now.Before(sess.nextRetryDeadline) {
		return false
	}
	if sess.Expired(now) {
		return false
	}

	if err := e.transport.SendMDUDP(ctx, sess.PeerIP, sess.requestFrame); err != nil {
		e.logger.Debug("md request retry send failed", slog.String("error", err.Error()))
	}
	sess.NumRetries++
	sess.nextRetryDeadline = now.Add(retryBackoff(sess.NumRetries))
	return true
}
