//go:build integration

package integration_test

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/trdp-go/trdpd/internal/trdp"
)

// -------------------------------------------------------------------------
// Bridge sender: delivers PD/MD frames directly to a target Session,
// bypassing real sockets. Mirrors what internal/netio's Receiver does for
// each transport after reading a UDP datagram or TCP stream.
// -------------------------------------------------------------------------

type bridgeSender struct {
	mu     sync.Mutex
	target *trdp.Session
	local  netip.Addr

	pdSent int
	mdSent int
}

func (b *bridgeSender) setTarget(s *trdp.Session) {
	b.mu.Lock()
	b.target = s
	b.mu.Unlock()
}

func (b *bridgeSender) SendPD(_ context.Context, dest netip.Addr, frame []byte) error {
	b.mu.Lock()
	t := b.target
	b.pdSent++
	b.mu.Unlock()

	if t == nil {
		return nil
	}

	h, payload, err := trdp.SplitPDFrame(frame)
	if err != nil {
		return nil //nolint:nilerr // drop malformed frames silently, like a real receiver.
	}
	t.DeliverPD(h, payload, b.local, dest, time.Now())
	return nil
}

func (b *bridgeSender) SendMDUDP(ctx context.Context, dest netip.Addr, frame []byte) error {
	return b.deliverMD(ctx, dest, frame)
}

func (b *bridgeSender) SendMDTCP(ctx context.Context, dest netip.Addr, frame []byte) error {
	return b.deliverMD(ctx, dest, frame)
}

func (b *bridgeSender) deliverMD(ctx context.Context, dest netip.Addr, frame []byte) error {
	b.mu.Lock()
	t := b.target
	b.mdSent++
	b.mu.Unlock()

	if t == nil {
		return nil
	}

	h, payload, err := trdp.SplitMDFrame(frame)
	if err != nil {
		return nil //nolint:nilerr
	}
	t.DeliverMD(ctx, h, payload, b.local, dest, time.Now())
	return nil
}

// -------------------------------------------------------------------------
// TestDatapathPDPublishSubscribe: a publisher's cyclic WriteValue reaches
// a subscriber on a peer Session through the bridge.
// -------------------------------------------------------------------------

func TestDatapathPDPublishSubscribe(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		logger := slog.New(slog.DiscardHandler)

		addrA := netip.MustParseAddr("10.0.0.1")
		addrB := netip.MustParseAddr("10.0.0.2")

		senderA := &bridgeSender{local: addrA}
		senderB := &bridgeSender{local: addrB}

		sessA := openTestSession(t, addrA, senderA, logger)
		defer sessA.Close()
		sessB := openTestSession(t, addrB, senderB, logger)
		defer sessB.Close()

		senderA.setTarget(sessB)
		senderB.setTarget(sessA)

		const comID = 1001
		const interval = 50 * time.Millisecond

		pub, err := sessA.Publish(comID, addrB, interval, 0, trdp.Descriptor{DatasetID: comID}, 8)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}

		sub, err := sessB.Subscribe(comID, addrA, addrB, 500*time.Millisecond, trdp.PolicyKeepLast,
			trdp.Descriptor{DatasetID: comID}, 8)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}

		ctxA, cancelA := context.WithCancel(context.Background())
		defer cancelA()
		ctxB, cancelB := context.WithCancel(context.Background())
		defer cancelB()

		go sessA.Run(ctxA)
		go sessB.Run(ctxB)

		payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
		sessA.WriteValue(pub, payload)

		for range 20 {
			time.Sleep(interval)
			synctest.Wait()
			if got := sessB.ReadValue(sub); len(got) == len(payload) {
				match := true
				for i := range payload {
					if got[i] != payload[i] {
						match = false
						break
					}
				}
				if match {
					return
				}
			}
		}

		t.Fatalf("subscriber never observed published value: got=%v, pd sent=%d", sessB.ReadValue(sub), senderA.pdSent)
	})
}

func openTestSession(t *testing.T, local netip.Addr, sender trdp.PacketSender, logger *slog.Logger) *trdp.Session {
	t.Helper()

	sess, err := trdp.Open(trdp.Config{
		LocalAddr: local,
		Mem: trdp.MemConfig{
			TrafficStoreSize: 4096,
			MaxNumSessions:   4,
		},
		Sender: sender,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("open session for %s: %v", local, err)
	}
	return sess
}

// -------------------------------------------------------------------------
// TestDatapathPDSubscriberTimeout: a subscriber's slice degrades once its
// publisher stops sending, per its configured TimeoutPolicy.
// -------------------------------------------------------------------------

func TestDatapathPDSubscriberTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		logger := slog.New(slog.DiscardHandler)

		addrA := netip.MustParseAddr("10.0.0.1")
		addrB := netip.MustParseAddr("10.0.0.2")

		senderA := &bridgeSender{local: addrA}
		senderB := &bridgeSender{local: addrB}

		sessA := openTestSession(t, addrA, senderA, logger)
		defer sessA.Close()
		sessB := openTestSession(t, addrB, senderB, logger)
		defer sessB.Close()

		senderA.setTarget(sessB)
		senderB.setTarget(sessA)

		const comID = 2002
		const interval = 50 * time.Millisecond
		const timeout = 200 * time.Millisecond

		pub, err := sessA.Publish(comID, addrB, interval, 0, trdp.Descriptor{DatasetID: comID}, 4)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}

		sub, err := sessB.Subscribe(comID, addrA, addrB, timeout, trdp.PolicyZero,
			trdp.Descriptor{DatasetID: comID}, 4)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}

		ctxA, cancelA := context.WithCancel(context.Background())
		defer cancelA()
		ctxB, cancelB := context.WithCancel(context.Background())
		defer cancelB()

		go sessA.Run(ctxA)
		go sessB.Run(ctxB)

		sessA.WriteValue(pub, []byte{9, 9, 9, 9})
		time.Sleep(interval)
		synctest.Wait()

		// Stop delivery from A, so B's subscriber never refreshes.
		senderA.setTarget(nil)

		time.Sleep(timeout + 500*time.Millisecond)
		synctest.Wait()

		got := sessB.ReadValue(sub)
		for i, b := range got {
			if b != 0 {
				t.Fatalf("subscriber slice byte %d = %d, want 0 after timeout", i, b)
			}
		}
	})
}
