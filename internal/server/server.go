// Package server implements the trdpd admin HTTP API: read-only JSON
// introspection into the daemon's running trdp.Manager, served in
// cleartext HTTP/2 (h2c) so clients need no TLS setup.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/trdp-go/trdpd/internal/trdp"
)

// Sentinel errors for the server package.
var (
	// ErrProcessNotFound indicates the requested process key has no open Session.
	ErrProcessNotFound = errors.New("process key not found")
)

// TRDPServer is a thin adapter between the admin HTTP API and the
// trdp.Manager domain object: the handler wraps one manager, one method
// per operation, without any RPC framework.
type TRDPServer struct {
	manager *trdp.Manager
	logger  *slog.Logger
}

// New creates a TRDPServer and returns the configured http.Handler (wrapped
// in the logging and recovery middleware) ready to be served over h2c.
func New(mgr *trdp.Manager, logger *slog.Logger) http.Handler {
	srv := &TRDPServer{
		manager: mgr,
		logger:  logger.With(slog.String("component", "server")),
	}
	return RecoveryMiddleware(srv.logger, LoggingMiddleware(srv.logger, srv.routes()))
}

func (s *TRDPServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{key}", s.handleGetSession)
	mux.HandleFunc("GET /v1/sessions/{key}/publishers", s.handleListPublishers)
	mux.HandleFunc("GET /v1/sessions/{key}/subscribers", s.handleListSubscribers)
	mux.HandleFunc("GET /v1/sessions/{key}/md-sessions", s.handleListMDSessions)
	return mux
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

func (s *TRDPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionSummary is the list-view JSON representation of one process's Session.
type sessionSummary struct {
	Key            string `json:"key"`
	LocalAddr      string `json:"local_addr"`
	NumPublishers  int    `json:"num_publishers"`
	NumSubscribers int    `json:"num_subscribers"`
	NumMDSessions  int    `json:"num_md_sessions"`
}

func (s *TRDPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.logger.InfoContext(r.Context(), "ListSessions called")

	all := s.manager.All()
	out := make([]sessionSummary, 0, len(all))
	for key, sess := range all {
		out = append(out, summarize(key, sess))
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *TRDPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	s.logger.InfoContext(r.Context(), "GetSession called", slog.String("key", key))

	sess, ok := s.manager.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s: %w", key, ErrProcessNotFound))
		return
	}

	writeJSON(w, http.StatusOK, summarize(key, sess))
}

// publisherView is the JSON representation of a trdp.Publisher.
type publisherView struct {
	ComID      uint32 `json:"com_id"`
	Dest       string `json:"dest"`
	IntervalMS int64  `json:"interval_ms"`
	RedID      uint32 `json:"red_id"`
}

func (s *TRDPServer) handleListPublishers(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	sess, ok := s.manager.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s: %w", key, ErrProcessNotFound))
		return
	}

	pubs := sess.Publishers()
	out := make([]publisherView, 0, len(pubs))
	for _, p := range pubs {
		out = append(out, publisherView{
			ComID:      p.ComID,
			Dest:       p.Dest.String(),
			IntervalMS: p.Interval.Milliseconds(),
			RedID:      p.RedID,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// subscriberView is the JSON representation of a trdp.Subscriber.
type subscriberView struct {
	ComID     uint32 `json:"com_id"`
	Src       string `json:"src,omitempty"`
	Dest      string `json:"dest"`
	TimeoutMS int64  `json:"timeout_ms"`
}

func (s *TRDPServer) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	sess, ok := s.manager.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s: %w", key, ErrProcessNotFound))
		return
	}

	subs := sess.Subscribers()
	out := make([]subscriberView, 0, len(subs))
	for _, sub := range subs {
		src := ""
		if sub.Src.IsValid() {
			src = sub.Src.String()
		}
		out = append(out, subscriberView{
			ComID:     sub.ComID,
			Src:       src,
			Dest:      sub.Dest.String(),
			TimeoutMS: sub.Timeout.Milliseconds(),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// mdSessionView is the JSON representation of a trdp.MDSession.
type mdSessionView struct {
	ID       string `json:"id"`
	ComID    uint32 `json:"com_id"`
	PeerIP   string `json:"peer_ip"`
	UseTCP   bool   `json:"use_tcp"`
	State    string `json:"state"`
	Deadline string `json:"deadline,omitempty"`
}

func (s *TRDPServer) handleListMDSessions(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	sess, ok := s.manager.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s: %w", key, ErrProcessNotFound))
		return
	}

	mdSessions := sess.MDSessions()
	out := make([]mdSessionView, 0, len(mdSessions))
	for _, ms := range mdSessions {
		deadline := ""
		if !ms.Deadline.IsZero() {
			deadline = ms.Deadline.Format(time.RFC3339)
		}
		out = append(out, mdSessionView{
			ID:       ms.ID.String(),
			ComID:    ms.ComID,
			PeerIP:   ms.PeerIP.String(),
			UseTCP:   ms.UseTCP,
			State:    ms.State.String(),
			Deadline: deadline,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func summarize(key string, sess *trdp.Session) sessionSummary {
	np, ns, nmd := sess.Stats()
	return sessionSummary{
		Key:            key,
		LocalAddr:      sess.LocalAddr().String(),
		NumPublishers:  np,
		NumSubscribers: ns,
		NumMDSessions:  nmd,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
