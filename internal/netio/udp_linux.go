//go:build linux

package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// oobSize bounds the ancillary-data buffer for IP_PKTINFO / IPV6_PKTINFO.
const oobSize = 64

// UDPConn implements PacketConn over a Linux UDP socket configured with
// IP_PKTINFO / IPV6_PKTINFO so ReadPacket can report which local
// (possibly multicast) address a datagram arrived on; TRDP subscribers
// need this to tell apart traffic received on different joined groups
// sharing one socket.
type UDPConn struct {
	conn      *net.UDPConn
	localAddr netip.AddrPort
	ifName    string
	closed    bool
	mu        sync.Mutex
}

// ListenUDP opens a UDP socket bound to laddr with PKTINFO ancillary data
// enabled, auto-detecting IPv4 vs IPv6 from the bind address.
func ListenUDP(ctx context.Context, laddr netip.AddrPort, ifName string) (*UDPConn, error) {
	isIPv6 := laddr.Addr().Is6() && !laddr.Addr().Is4In6()

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setSocketOpts(c, isIPv6)
		},
	}

	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}

	pc, err := lc.ListenPacket(ctx, network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", laddr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, errors.Join(fmt.Errorf("listen UDP %s: %w", laddr, ErrUnexpectedConnType), closeErr)
	}

	return &UDPConn{conn: conn, localAddr: laddr, ifName: ifName}, nil
}

func setSocketOpts(c syscall.RawConn, isIPv6 bool) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		if isIPv6 {
			sockErr = applySockOptsV6(intFD)
		} else {
			sockErr = applySockOptsV4(intFD)
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

func applySockOptsCommon(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	return nil
}

func applySockOptsV4(fd int) error {
	if err := applySockOptsCommon(fd); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
		return fmt.Errorf("set IP_PKTINFO: %w", err)
	}
	return nil
}

func applySockOptsV6(fd int) error {
	if err := applySockOptsCommon(fd); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
		return fmt.Errorf("set IPV6_RECVPKTINFO: %w", err)
	}
	return nil
}

// ReadPacket reads one datagram, reporting source and destination
// addresses via ancillary PKTINFO data.
func (c *UDPConn) ReadPacket(buf []byte) (int, PacketMeta, error) {
	oob := make([]byte, oobSize)

	n, oobn, _, src, err := c.conn.ReadMsgUDP(buf, oob)
	if err != nil {
		return 0, PacketMeta{}, fmt.Errorf("read datagram: %w", err)
	}

	meta := parseMeta(src, oob[:oobn])
	meta.IfName = c.ifName
	return n, meta, nil
}

// WritePacket sends buf to dst:port.
func (c *UDPConn) WritePacket(buf []byte, dst netip.Addr, port uint16) error {
	udpAddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, port))
	if _, err := c.conn.WriteToUDP(buf, udpAddr); err != nil {
		return fmt.Errorf("write datagram to %s:%d: %w", dst, port, err)
	}
	return nil
}

// JoinGroup issues IP_ADD_MEMBERSHIP / IPV6_JOIN_GROUP for a PD
// multicast subscription.
func (c *UDPConn) JoinGroup(group netip.Addr, ifName string) error {
	pc := c.conn.SyscallConn
	raw, err := pc()
	if err != nil {
		return fmt.Errorf("raw conn: %w", err)
	}

	iface, ifErr := resolveIface(ifName)
	if ifErr != nil {
		return ifErr
	}

	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		if group.Is4() {
			mreq := &unix.IPMreqn{Multiaddr: group.As4(), Ifindex: int32(iface)} //nolint:gosec // G115: iface is a small kernel index
			ctrlErr = unix.SetsockoptIPMreqn(intFD, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
			return
		}
		mreq := &unix.IPv6Mreq{Multiaddr: group.As16(), Interface: uint32(iface)} //nolint:gosec // G115: iface is a small kernel index
		ctrlErr = unix.SetsockoptIPv6Mreq(intFD, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return ctrlErr
}

// LeaveGroup issues IP_DROP_MEMBERSHIP / IPV6_LEAVE_GROUP.
func (c *UDPConn) LeaveGroup(group netip.Addr, ifName string) error {
	pc := c.conn.SyscallConn
	raw, err := pc()
	if err != nil {
		return fmt.Errorf("raw conn: %w", err)
	}

	iface, ifErr := resolveIface(ifName)
	if ifErr != nil {
		return ifErr
	}

	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		if group.Is4() {
			mreq := &unix.IPMreqn{Multiaddr: group.As4(), Ifindex: int32(iface)} //nolint:gosec // G115: iface is a small kernel index
			ctrlErr = unix.SetsockoptIPMreqn(intFD, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, mreq)
			return
		}
		mreq := &unix.IPv6Mreq{Multiaddr: group.As16(), Interface: uint32(iface)} //nolint:gosec // G115: iface is a small kernel index
		ctrlErr = unix.SetsockoptIPv6Mreq(intFD, unix.IPPROTO_IPV6, unix.IPV6_LEAVE_GROUP, mreq)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return ctrlErr
}

func resolveIface(ifName string) (int, error) {
	if ifName == "" {
		return 0, nil
	}
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return 0, fmt.Errorf("resolve interface %s: %w", ifName, err)
	}
	return iface.Index, nil
}

// Close releases the underlying socket.
func (c *UDPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

// LocalAddr returns the bound local address.
func (c *UDPConn) LocalAddr() netip.AddrPort {
	return c.localAddr
}

func parseMeta(src *net.UDPAddr, oob []byte) PacketMeta {
	meta := PacketMeta{}
	if src != nil {
		if srcAddr, ok := netip.AddrFromSlice(src.IP); ok {
			meta.SrcAddr = srcAddr.Unmap()
		}
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return meta
	}
	for i := range msgs {
		switch {
		case msgs[i].Header.Level == unix.IPPROTO_IP && msgs[i].Header.Type == unix.IP_PKTINFO:
			parsePktInfo(msgs[i].Data, &meta)
		case msgs[i].Header.Level == unix.IPPROTO_IPV6 && msgs[i].Header.Type == unix.IPV6_PKTINFO:
			parsePktInfo6(msgs[i].Data, &meta)
		}
	}
	return meta
}

// parsePktInfo extracts interface index and destination address from an
// IP_PKTINFO control message (struct in_pktinfo, 12 bytes).
func parsePktInfo(data []byte, meta *PacketMeta) {
	const pktInfoSize = 12
	if len(data) < pktInfoSize {
		return
	}
	ifIdx := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	meta.IfIndex = int(ifIdx)

	var ip4 [4]byte
	copy(ip4[:], data[8:12])
	meta.DstAddr = netip.AddrFrom4(ip4)
}

// parsePktInfo6 extracts interface index and destination address from an
// IPV6_PKTINFO control message (struct in6_pktinfo, 20 bytes).
func parsePktInfo6(data []byte, meta *PacketMeta) {
	const pktInfo6Size = 20
	if len(data) < pktInfo6Size {
		return
	}
	var ip6 [16]byte
	copy(ip6[:], data[0:16])
	meta.DstAddr = netip.AddrFrom16(ip6)

	ifIdx := uint32(data[16]) | uint32(data[17])<<8 | uint32(data[18])<<16 | uint32(data[19])<<24
	meta.IfIndex = int(ifIdx)
}
