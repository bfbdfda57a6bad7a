//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/trdp-go/trdpd/internal/server"
	"github.com/trdp-go/trdpd/internal/trdp"
)

// discardSender implements trdp.PacketSender by discarding every frame,
// standing in for the real internal/netio sender in tests that only
// exercise the admin API's read side.
type discardSender struct{}

func (discardSender) SendPD(_ context.Context, _ netip.Addr, _ []byte) error    { return nil }
func (discardSender) SendMDUDP(_ context.Context, _ netip.Addr, _ []byte) error { return nil }
func (discardSender) SendMDTCP(_ context.Context, _ netip.Addr, _ []byte) error { return nil }

// cliTestEnv bundles an in-process admin HTTP server and a real
// trdp.Manager. This mirrors trdpctl's HTTP client setup without
// requiring a running trdpd.
type cliTestEnv struct {
	baseURL string
	mgr     *trdp.Manager
}

func newCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	mgr := trdp.NewManager(logger)
	t.Cleanup(func() { _ = mgr.CloseAll() })

	handler := server.New(mgr, logger)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &cliTestEnv{baseURL: srv.URL, mgr: mgr}
}

// openTestProcess opens a process session with the given key and local
// address directly on the Manager, bypassing real sockets.
func (env *cliTestEnv) openTestProcess(t *testing.T, key, localAddr string) *trdp.Session {
	t.Helper()

	sess, err := env.mgr.Open(key, trdp.Config{
		LocalAddr: netip.MustParseAddr(localAddr),
		Mem: trdp.MemConfig{
			TrafficStoreSize: 4096,
			MaxNumSessions:   4,
		},
		Sender: discardSender{},
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("open process %s: %v", key, err)
	}
	return sess
}

func (env *cliTestEnv) get(t *testing.T, path string, dst any) *http.Response {
	t.Helper()

	resp, err := http.Get(env.baseURL + path) //nolint:noctx
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if dst != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode response from %s: %v", path, err)
		}
	}

	return resp
}

// TestCLISessionListShow exercises the read-only admin API a running
// daemon exposes: listing declared process sessions and fetching one by
// key, the in-process equivalent of `trdpctl sessions list` / `show`.
func TestCLISessionListShow(t *testing.T) {
	env := newCLITestEnv(t)

	const key = "10.0.0.1|eth0"
	env.openTestProcess(t, key, "10.0.0.1")

	var sessions []map[string]any
	resp := env.get(t, "/v1/sessions", &sessions)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/sessions status = %d, want 200", resp.StatusCode)
	}
	if len(sessions) != 1 {
		t.Fatalf("ListSessions count = %d, want 1", len(sessions))
	}
	if sessions[0]["key"] != key {
		t.Errorf("ListSessions[0].key = %v, want %q", sessions[0]["key"], key)
	}

	var one map[string]any
	resp = env.get(t, "/v1/sessions/"+key, &one)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/sessions/%s status = %d, want 200", key, resp.StatusCode)
	}
	if one["local_addr"] != "10.0.0.1" {
		t.Errorf("GetSession.local_addr = %v, want %q", one["local_addr"], "10.0.0.1")
	}
}

// TestCLIMultipleSessions verifies that opening multiple process sessions
// and listing them returns all of them correctly.
func TestCLIMultipleSessions(t *testing.T) {
	env := newCLITestEnv(t)

	env.openTestProcess(t, "10.0.0.1|eth0", "10.0.0.1")
	env.openTestProcess(t, "10.0.0.2|eth0", "10.0.0.2")
	env.openTestProcess(t, "10.0.0.3|eth0", "10.0.0.3")

	var sessions []map[string]any
	env.get(t, "/v1/sessions", &sessions)

	if got := len(sessions); got != 3 {
		t.Fatalf("ListSessions count = %d, want 3", got)
	}

	keys := make(map[string]bool, 3)
	for _, s := range sessions {
		keys[s["key"].(string)] = true
	}
	for _, want := range []string{"10.0.0.1|eth0", "10.0.0.2|eth0", "10.0.0.3|eth0"} {
		if !keys[want] {
			t.Errorf("ListSessions missing key %q", want)
		}
	}
}

// TestCLIPublishersAndSubscribers verifies the publisher/subscriber
// sub-resources reflect what was registered on the underlying Session.
func TestCLIPublishersAndSubscribers(t *testing.T) {
	env := newCLITestEnv(t)

	const key = "10.0.0.1|eth0"
	sess := env.openTestProcess(t, key, "10.0.0.1")

	dest := netip.MustParseAddr("239.0.0.1")
	if _, err := sess.Publish(1001, dest, 0, 0, trdp.Descriptor{DatasetID: 1}, 16); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var pubs []map[string]any
	resp := env.get(t, "/v1/sessions/"+key+"/publishers", &pubs)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET publishers status = %d, want 200", resp.StatusCode)
	}
	if len(pubs) != 1 {
		t.Fatalf("publishers count = %d, want 1", len(pubs))
	}
	if got := pubs[0]["com_id"].(float64); got != 1001 {
		t.Errorf("publishers[0].com_id = %v, want 1001", got)
	}

	src := netip.MustParseAddr("10.0.0.2")
	if _, err := sess.Subscribe(2002, src, dest, 0, trdp.PolicyKeepLast, trdp.Descriptor{DatasetID: 2}, 16); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var subs []map[string]any
	env.get(t, "/v1/sessions/"+key+"/subscribers", &subs)
	if len(subs) != 1 {
		t.Fatalf("subscribers count = %d, want 1", len(subs))
	}
	if got := subs[0]["com_id"].(float64); got != 2002 {
		t.Errorf("subscribers[0].com_id = %v, want 2002", got)
	}
}

// TestCLIGetNonexistentSession verifies that fetching an unknown process
// key returns 404, matching trdpctl's error-rendering path.
func TestCLIGetNonexistentSession(t *testing.T) {
	env := newCLITestEnv(t)

	var errBody map[string]string
	resp := env.get(t, "/v1/sessions/does-not-exist", &errBody)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GetSession(missing) status = %d, want 404", resp.StatusCode)
	}

	body, _ := json.Marshal(errBody)
	if !strings.Contains(string(body), "not found") {
		t.Errorf("GetSession(missing) body = %s, want to contain 'not found'", body)
	}
}

// TestCLIHealthz verifies the liveness endpoint trdpctl and orchestrators
// alike use to probe the daemon.
func TestCLIHealthz(t *testing.T) {
	env := newCLITestEnv(t)

	var body map[string]string
	resp := env.get(t, "/healthz", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("healthz status field = %q, want %q", body["status"], "ok")
	}
}
