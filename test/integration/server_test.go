//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/trdp-go/trdpd/internal/server"
	"github.com/trdp-go/trdpd/internal/trdp"
)

// TestServerMDSessionLifecycle drives an Mr/Mp request-reply dialog
// between two bridged Sessions and verifies the admin API's md-sessions
// resource lists the open dialog before the peer is let reply.
func TestServerMDSessionLifecycle(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	addrA := netip.MustParseAddr("10.1.0.1")
	addrB := netip.MustParseAddr("10.1.0.2")

	senderA := &bridgeSender{local: addrA}
	senderB := &bridgeSender{local: addrB}

	mgr := trdp.NewManager(logger)
	t.Cleanup(func() { _ = mgr.CloseAll() })

	const keyA = "10.1.0.1|eth0"
	sessA, err := mgr.Open(keyA, trdp.Config{
		LocalAddr: addrA,
		Mem:       trdp.MemConfig{TrafficStoreSize: 4096, MaxNumSessions: 4},
		Sender:    senderA,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("open session A: %v", err)
	}

	sessB := openTestSession(t, addrB, senderB, logger)
	t.Cleanup(func() { _ = sessB.Close() })

	senderA.setTarget(sessB)
	senderB.setTarget(sessA)

	// B replies to every Mr addressed to comId 3003 with a fixed payload.
	const comID = 3003
	replied := make(chan struct{}, 1)
	release := make(chan struct{})
	_, err = sessB.AddListener(comID, netip.Addr{}, netip.Addr{}, "", func(meta trdp.MDMeta, payload []byte) {
		if meta.MsgType != trdp.MsgMr {
			return
		}
		go func() {
			s, ok := findMDSession(sessB, meta)
			if !ok {
				return
			}
			<-release
			_ = sessB.Reply(context.Background(), s, []byte("pong"))
			replied <- struct{}{}
		}()
	}, nil, trdp.FlagUDP)
	if err != nil {
		t.Fatalf("add listener: %v", err)
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	t.Cleanup(cancelA)
	ctxB, cancelB := context.WithCancel(context.Background())
	t.Cleanup(cancelB)
	go sessA.Run(ctxA)
	go sessB.Run(ctxB)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	mdSess, err := sessA.Request(reqCtx, comID, addrB, []byte("ping"), trdp.RequestOptions{
		ReplyTimeout:       time.Second,
		NumExpectedReplies: 1,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	handler := server.New(mgr, logger)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var mdSessions []map[string]any
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, gerr := http.Get(srv.URL + "/v1/sessions/" + keyA + "/md-sessions") //nolint:noctx
		if gerr != nil {
			t.Fatalf("GET md-sessions: %v", gerr)
		}
		if derr := json.NewDecoder(resp.Body).Decode(&mdSessions); derr != nil {
			resp.Body.Close()
			t.Fatalf("decode: %v", derr)
		}
		resp.Body.Close()

		if len(mdSessions) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(mdSessions) != 1 {
		t.Fatalf("md-sessions count = %d, want 1", len(mdSessions))
	}
	if mdSessions[0]["id"] != mdSess.ID.String() {
		t.Errorf("md-sessions[0].id = %v, want %q", mdSessions[0]["id"], mdSess.ID.String())
	}
	close(release)

	select {
	case <-replied:
	case <-time.After(2 * time.Second):
		t.Fatal("peer never replied")
	}
}

// findMDSession looks up the MDSession a just-delivered Mr belongs to, by
// scanning the session's open dialogs for the matching session ID.
func findMDSession(sess *trdp.Session, meta trdp.MDMeta) (*trdp.MDSession, bool) {
	for _, s := range sess.MDSessions() {
		if [16]byte(s.ID) == meta.SessionID {
			return s, true
		}
	}
	return nil, false
}

// TestServerReconcile verifies Manager.Reconcile opens and closes Sessions
// to match a desired key set, and that the admin API's session list
// reflects the change: the datapath a SIGHUP reload exercises.
func TestServerReconcile(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	mgr := trdp.NewManager(logger)
	t.Cleanup(func() { _ = mgr.CloseAll() })

	const keyA = "10.2.0.1|eth0"
	const keyB = "10.2.0.2|eth0"

	desired := map[string]trdp.Config{
		keyA: {
			LocalAddr: netip.MustParseAddr("10.2.0.1"),
			Mem:       trdp.MemConfig{TrafficStoreSize: 4096, MaxNumSessions: 4},
			Sender:    discardSender{},
			Logger:    logger,
		},
	}

	opened, closed, err := mgr.Reconcile(desired)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(opened) != 1 || opened[0] != keyA {
		t.Fatalf("reconcile opened = %v, want [%s]", opened, keyA)
	}
	if len(closed) != 0 {
		t.Fatalf("reconcile closed = %v, want none", closed)
	}
	if mgr.Len() != 1 {
		t.Fatalf("mgr.Len() = %d, want 1", mgr.Len())
	}

	desired[keyB] = trdp.Config{
		LocalAddr: netip.MustParseAddr("10.2.0.2"),
		Mem:       trdp.MemConfig{TrafficStoreSize: 4096, MaxNumSessions: 4},
		Sender:    discardSender{},
		Logger:    logger,
	}
	delete(desired, keyA)

	opened, closed, err = mgr.Reconcile(desired)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(opened) != 1 || opened[0] != keyB {
		t.Fatalf("reconcile opened = %v, want [%s]", opened, keyB)
	}
	if len(closed) != 1 || closed[0] != keyA {
		t.Fatalf("reconcile closed = %v, want [%s]", closed, keyA)
	}

	if _, ok := mgr.Get(keyA); ok {
		t.Error("keyA still open after reconcile dropped it")
	}
	if _, ok := mgr.Get(keyB); !ok {
		t.Error("keyB not open after reconcile added it")
	}
}
