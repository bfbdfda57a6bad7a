package trdp

import "github.com/google/uuid"

// defaultMaxNumSessions caps the MD session table when the caller
// passes no explicit limit.
const defaultMaxNumSessions = 20

// MDSessionTable is a UUID-keyed map of open MD dialogs, sized
// dynamically up to maxNumSessions. Insertion past the limit fails with
// ErrSessionTableFull, which MDEngine.Request returns unchanged.
type MDSessionTable struct {
	max  int
	byID map[uuid.UUID]*MDSession
}

// NewMDSessionTable returns an empty table capped at max entries. A
// non-positive max falls back to defaultMaxNumSessions.
func NewMDSessionTable(maxEntries int) *MDSessionTable {
	if maxEntries <= 0 {
		maxEntries = defaultMaxNumSessions
	}
	return &MDSessionTable{max: maxEntries, byID: make(map[uuid.UUID]*MDSession)}
}

// Insert adds s under its UUID, failing with ErrSessionTableFull once the
// table is at capacity.
func (t *MDSessionTable) Insert(s *MDSession) error {
	if len(t.byID) >= t.max {
		return ErrSessionTableFull
	}
	t.byID[s.ID] = s
	return nil
}

// Lookup finds a session by UUID.
func (t *MDSessionTable) Lookup(id uuid.UUID) (*MDSession, bool) {
	s, ok := t.byID[id]
	return s, ok
}

// Remove deletes a session on terminal state. Callers must not call
// Remove twice for the same UUID; MDSession's own transition to a
// terminal state guards against that at a higher layer.
func (t *MDSessionTable) Remove(id uuid.UUID) {
	delete(t.byID, id)
}

// Len reports the number of open MD sessions.
func (t *MDSessionTable) Len() int {
	return len(t.byID)
}

// All returns a snapshot slice of every open session, safe to range over
// while the caller may also mutate the table (e.g. force-closing all
// sessions on Session.Close).
func (t *MDSessionTable) All() []*MDSession {
	out := make([]*MDSession, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}
