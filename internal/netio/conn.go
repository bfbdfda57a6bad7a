package netio

import (
	"errors"
	"net/netip"
)

// Standard TRDP UDP ports (IEC 61375-2-3 §4.7 "Port assignment"). PD has
// its own UDP port; MD uses the same port number for UDP and for TCP, so
// PortMDTCP equals PortMD.
const (
	PortPD    uint16 = 17224
	PortMD    uint16 = 17225
	PortMDTCP uint16 = 17225
)

// PacketMeta carries the transport-layer facts the trdp engines need to
// demultiplex and validate an inbound datagram: who it came from, which
// local (possibly multicast) address it arrived on, and which interface.
type PacketMeta struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	IfIndex int
	IfName  string
}

// PacketConn abstracts UDP datagram send/receive for both PD and MD,
// exposing the destination-address ancillary data (IP_PKTINFO /
// IPV6_PKTINFO) TRDP needs to tell a multicast subscription's group
// address apart from a unicast reply address.
type PacketConn interface {
	ReadPacket(buf []byte) (n int, meta PacketMeta, err error)
	WritePacket(buf []byte, dst netip.Addr, port uint16) error
	JoinGroup(group netip.Addr, ifName string) error
	LeaveGroup(group netip.Addr, ifName string) error
	Close() error
	LocalAddr() netip.AddrPort
}

var (
	// ErrUnexpectedConnType indicates net.ListenPacket returned a
	// connection type other than *net.UDPConn.
	ErrUnexpectedConnType = errors.New("netio: unexpected connection type from ListenPacket")

	// ErrSocketClosed indicates an operation on an already-closed socket.
	ErrSocketClosed = errors.New("netio: socket closed")

	// ErrBufferTooSmall indicates a receive buffer smaller than the
	// protocol's minimum frame size (PD or MD header alone).
	ErrBufferTooSmall = errors.New("netio: receive buffer too small")
)
