package netio

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

// Sender implements trdp.PacketSender: it owns the PD and MD UDP sockets
// plus a pool of reusable MD TCP connections, and is the concrete
// collaborator a Session.Open call is configured with.
type Sender struct {
	pdConn *UDPConn
	mdConn *UDPConn

	mu       sync.Mutex
	tcpConns map[netip.Addr]*pooledConn
	dialTO   time.Duration
	idleTO   time.Duration

	onPeerDown func(netip.Addr)
}

type pooledConn struct {
	conn     net.Conn
	lastUsed time.Time
}

// NewSender constructs a Sender bound to pdConn (port 17224) and mdConn
// (port 17225). Both must already be open (see ListenUDP).
func NewSender(pdConn, mdConn *UDPConn, dialTimeout, idleTimeout time.Duration) *Sender {
	return &Sender{
		pdConn:   pdConn,
		mdConn:   mdConn,
		tcpConns: make(map[netip.Addr]*pooledConn),
		dialTO:   dialTimeout,
		idleTO:   idleTimeout,
	}
}

// SetPeerFailureHook registers a callback invoked (on its own goroutine,
// so the hook may take the session lock) whenever a pooled TCP connection
// breaks mid-write. Sessions use it to fail dialogs pending on that peer.
func (s *Sender) SetPeerFailureHook(hook func(netip.Addr)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPeerDown = hook
}

// SendPD writes a fully framed PD datagram to dest:PortPD.
func (s *Sender) SendPD(_ context.Context, dest netip.Addr, frame []byte) error {
	return s.pdConn.WritePacket(frame, dest, PortPD)
}

// SendMDUDP writes a fully framed MD datagram to dest:PortMD.
func (s *Sender) SendMDUDP(_ context.Context, dest netip.Addr, frame []byte) error {
	return s.mdConn.WritePacket(frame, dest, PortMD)
}

// SendMDTCP sends a fully framed MD message over a reused TCP connection
// to dest:PortMDTCP, dialing a fresh one if none is pooled or the pooled
// one has gone idle past idleTO.
func (s *Sender) SendMDTCP(ctx context.Context, dest netip.Addr, frame []byte) error {
	conn, err := s.connFor(ctx, dest)
	if err != nil {
		return fmt.Errorf("md tcp dial %s: %w", dest, err)
	}

	if _, err := conn.Write(frame); err != nil {
		s.mu.Lock()
		delete(s.tcpConns, dest)
		hook := s.onPeerDown
		s.mu.Unlock()
		_ = conn.Close()
		if hook != nil {
			go hook(dest)
		}
		return fmt.Errorf("md tcp write %s: %w", dest, err)
	}
	return nil
}

func (s *Sender) connFor(ctx context.Context, dest netip.Addr) (net.Conn, error) {
	s.mu.Lock()
	if pc, ok := s.tcpConns[dest]; ok {
		if time.Since(pc.lastUsed) < s.idleTO {
			pc.lastUsed = time.Now()
			s.mu.Unlock()
			return pc.conn, nil
		}
		// Idle past the deadline: evict before re-dialing so the stale
		// socket is not leaked when the map entry is overwritten.
		_ = pc.conn.Close()
		delete(s.tcpConns, dest)
	}
	s.mu.Unlock()

	d := net.Dialer{Timeout: s.dialTO}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(dest.String(), fmt.Sprint(PortMDTCP)))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if prev, ok := s.tcpConns[dest]; ok {
		// A concurrent dial won the race; keep ours, close the loser.
		_ = prev.conn.Close()
	}
	s.tcpConns[dest] = &pooledConn{conn: conn, lastUsed: time.Now()}
	s.mu.Unlock()
	return conn, nil
}

// CloseIdle closes and evicts pooled TCP connections idle past idleTO.
func (s *Sender) CloseIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for dest, pc := range s.tcpConns {
		if now.Sub(pc.lastUsed) >= s.idleTO {
			_ = pc.conn.Close()
			delete(s.tcpConns, dest)
		}
	}
}

// Close closes every pooled TCP connection. The PD and MD UDP sockets are
// owned by the caller that constructed them and are not closed here.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dest, pc := range s.tcpConns {
		_ = pc.conn.Close()
		delete(s.tcpConns, dest)
	}
}
