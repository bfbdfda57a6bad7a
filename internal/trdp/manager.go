package trdp

import (
	"errors"
	"log/slog"
	"sync"
)

// Sentinel errors for Manager operations.
var (
	// ErrProcessKeyExists indicates Open was called twice for the same key
	// without an intervening Close.
	ErrProcessKeyExists = errors.New("trdp: process key already open")

	// ErrProcessKeyNotFound indicates Close/Get was called for a key with
	// no open Session.
	ErrProcessKeyNotFound = errors.New("trdp: process key not found")
)

// Manager owns the set of Sessions a daemon process runs concurrently, one
// per declarative process entry (internal/config.ProcessConfig), keyed by
// ProcessConfig.ProcessKey. It is the multi-session analogue of a single
// Session: where Session is the cooperative-scheduling handle for one
// (etbTopoCount, opTrnTopoCount, localAddr) triple, Manager tracks the
// whole fleet a SIGHUP reload may grow or shrink.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewManager returns an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.With(slog.String("component", "manager")),
	}
}

// Open opens a new Session under key. Returns ErrProcessKeyExists if key
// is already open.
func (m *Manager) Open(key string, cfg Config) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[key]; exists {
		return nil, ErrProcessKeyExists
	}

	sess, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	m.sessions[key] = sess
	m.logger.Info("session opened", slog.String("key", key), slog.String("local_addr", cfg.LocalAddr.String()))

	return sess, nil
}

// Close closes and forgets the Session under key.
func (m *Manager) Close(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[key]
	if !ok {
		return ErrProcessKeyNotFound
	}
	delete(m.sessions, key)

	m.logger.Info("session closed", slog.String("key", key))

	return sess.Close()
}

// Get looks up the Session open under key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[key]
	return sess, ok
}

// Keys returns every currently open process key.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}

// All returns a snapshot of the key -> Session map.
func (m *Manager) All() map[string]*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Session, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return out
}

// Len reports the number of open Sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every open Session, collecting (not stopping on) errors.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for key, sess := range m.sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.sessions, key)
	}
	return errors.Join(errs...)
}

// Reconcile diffs the desired key -> Config set against what is currently
// open: it closes Sessions whose key disappeared, opens Sessions for new
// keys, and leaves unchanged keys alone (TRDP has no in-place Session
// reconfiguration; Config is copied once at Open time and never mutated,
// so a changed entry must be closed and reopened by the caller diffing
// ProcessConfig equality before calling Reconcile). Returns the keys
// opened and closed.
func (m *Manager) Reconcile(desired map[string]Config) (opened, closed []string, err error) {
	m.mu.Lock()
	current := make(map[string]struct{}, len(m.sessions))
	for k := range m.sessions {
		current[k] = struct{}{}
	}
	m.mu.Unlock()

	for key := range current {
		if _, want := desired[key]; !want {
			if cerr := m.Close(key); cerr != nil {
				err = errors.Join(err, cerr)
				continue
			}
			closed = append(closed, key)
		}
	}

	for key, cfg := range desired {
		if _, have := current[key]; have {
			continue
		}
		if _, oerr := m.Open(key, cfg); oerr != nil {
			err = errors.Join(err, oerr)
			continue
		}
		opened = append(opened, key)
	}

	return opened, closed, err
}
