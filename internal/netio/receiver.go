package netio

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/trdp-go/trdpd/internal/trdp"
)

// Sink is what a Receiver hands decoded datagrams to. *trdp.Session
// satisfies it directly.
type Sink interface {
	DeliverPD(h trdp.PDHeader, payload []byte, srcIP, destIP netip.Addr, now time.Time)
	DeliverMD(ctx context.Context, h trdp.MDHeader, payload []byte, srcIP, destIP netip.Addr, now time.Time)
}

// maxDatagramSize bounds a single PD or MD UDP receive buffer.
const maxDatagramSize = 64 * 1024

// maxMDMessageSize bounds a reassembled MD TCP message (64 MiB).
const maxMDMessageSize = 64 * 1024 * 1024

// Receiver reads PD and MD UDP datagrams and MD TCP streams, decodes
// them, and hands validated frames to a Sink. Malformed or CRC-failing
// frames are logged and dropped; only context cancellation stops a loop.
type Receiver struct {
	sink   Sink
	logger *slog.Logger
}

// NewReceiver constructs a Receiver delivering to sink.
func NewReceiver(sink Sink, logger *slog.Logger) *Receiver {
	return &Receiver{sink: sink, logger: logger.With(slog.String("component", "netio.receiver"))}
}

// RunPD reads PD datagrams from conn until ctx is cancelled.
func (r *Receiver) RunPD(ctx context.Context, conn *UDPConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, meta, err := conn.ReadPacket(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("pd recv error", slog.String("error", err.Error()))
			continue
		}

		h, payload, err := trdp.SplitPDFrame(buf[:n])
		if err != nil {
			r.logger.Debug("pd frame dropped", slog.String("error", err.Error()))
			continue
		}
		r.sink.DeliverPD(h, payload, meta.SrcAddr, meta.DstAddr, time.Now())
	}
}

// RunMDUDP reads MD datagrams from conn until ctx is cancelled.
func (r *Receiver) RunMDUDP(ctx context.Context, conn *UDPConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, meta, err := conn.ReadPacket(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("md recv error", slog.String("error", err.Error()))
			continue
		}

		h, payload, err := trdp.SplitMDFrame(buf[:n])
		if err != nil {
			r.logger.Debug("md frame dropped", slog.String("error", err.Error()))
			continue
		}
		r.sink.DeliverMD(ctx, h, payload, meta.SrcAddr, meta.DstAddr, time.Now())
	}
}

// RunMDTCPListener accepts MD TCP connections on ln until ctx is
// cancelled, serving each on its own goroutine.
func (r *Receiver) RunMDTCPListener(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("md tcp accept error", slog.String("error", err.Error()))
			continue
		}
		go r.serveMDTCP(ctx, conn)
	}
}

// serveMDTCP reads a sequence of length-framed MD messages off conn,
// reusing the connection until it is closed by the peer or an unrecoverable
// error occurs.
func (r *Receiver) serveMDTCP(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	local := conn.LocalAddr()
	remote := conn.RemoteAddr()
	srcIP, destIP := addrOf(remote), addrOf(local)

	reader := bufio.NewReader(conn)
	header := make([]byte, trdp.MDHeaderSize)

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				r.logger.Debug("md tcp header read error", slog.String("error", err.Error()))
			}
			return
		}

		h, err := trdp.DecodeMD(header)
		if err != nil {
			r.logger.Debug("md tcp header invalid", slog.String("error", err.Error()))
			return
		}
		if trdp.MDFrameLen(h) > maxMDMessageSize {
			r.logger.Debug("md tcp frame dropped: oversized", slog.Uint64("dataset_length", uint64(h.DatasetLength)))
			return
		}

		rest := make([]byte, trdp.MDFrameLen(h)-trdp.MDHeaderSize)
		if _, err := io.ReadFull(reader, rest); err != nil {
			r.logger.Debug("md tcp body read error", slog.String("error", err.Error()))
			return
		}

		full := append(header, rest...)
		_, payload, err := trdp.SplitMDFrame(full)
		if err != nil {
			r.logger.Debug("md tcp frame dropped", slog.String("error", err.Error()))
			continue
		}
		r.sink.DeliverMD(ctx, h, payload, srcIP, destIP, time.Now())
	}
}

func addrOf(a net.Addr) netip.Addr {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}
