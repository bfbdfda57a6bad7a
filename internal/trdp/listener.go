package trdp

import (
	"net/netip"
	"slices"
)

// ListenerFlags marks which transports a listener accepts.
type ListenerFlags uint8

// Listener transport flags.
const (
	FlagUDP ListenerFlags = 1 << iota
	FlagTCP
	FlagCallbackOnly
)

// MDCallback is invoked with dialog metadata and payload whenever a
// matching MD message arrives. meta.UserRef is the caller's opaque
// reference, handed back unexamined.
type MDCallback func(meta MDMeta, payload []byte)

// MDMeta describes one delivered MD message.
type MDMeta struct {
	ComID      uint32
	SrcIP      netip.Addr
	DestIP     netip.Addr
	SrcURI     string
	DestURI    string
	MsgType    MsgType
	SessionID  [sessionIDLen]byte
	Result     ResultCode
	NumReplies uint32
	UserRef    any
}

// listenerKey is the (comId, srcIP-filter, destIP-filter, destURI-pattern)
// lookup key. The zero value of each filter field means wildcard.
type listenerKey struct {
	ComID   uint32
	SrcIP   netip.Addr
	DestIP  netip.Addr
	DestURI string
}

// listenerEntry is the value half of the Listener Table.
type listenerEntry struct {
	key      listenerKey
	callback MDCallback
	userRef  any
	flags    ListenerFlags
}

// ListenerHandle identifies a registered listener for later removal.
type ListenerHandle struct {
	id uint64
}

// ListenerTable demultiplexes incoming MD (and, via the same shape, PD)
// traffic to subscriber/reply callbacks by (comId, srcIP, dstIP, URI).
type ListenerTable struct {
	nextID  uint64
	entries map[uint64]*listenerEntry
}

// NewListenerTable returns an empty table.
func NewListenerTable() *ListenerTable {
	return &ListenerTable{entries: make(map[uint64]*listenerEntry)}
}

// Add registers a listener, rejecting an exact duplicate key with
// ErrDuplicateListener. A delete followed by an add on the same key
// succeeds, since delete removes the key first.
func (lt *ListenerTable) Add(key listenerKey, cb MDCallback, userRef any, flags ListenerFlags) (ListenerHandle, error) {
	for _, e := range lt.entries {
		if e.key == key {
			return ListenerHandle{}, ErrDuplicateListener
		}
	}

	lt.nextID++
	id := lt.nextID
	lt.entries[id] = &listenerEntry{key: key, callback: cb, userRef: userRef, flags: flags}
	return ListenerHandle{id: id}, nil
}

// Delete removes a listener by handle. Returns ErrUnknownHandle if absent.
func (lt *ListenerTable) Delete(h ListenerHandle) error {
	if _, ok := lt.entries[h.id]; !ok {
		return ErrUnknownHandle
	}
	delete(lt.entries, h.id)
	return nil
}

// Match finds the first entry whose filters all match comId/srcIP/destIP/
// destURI, zero filter fields acting as wildcards. Matching is linear over
// entries sharing the comId in registration order; the first full match
// wins.
func (lt *ListenerTable) Match(comID uint32, srcIP, destIP netip.Addr, destURI string) (*listenerEntry, bool) {
	ids := make([]uint64, 0, len(lt.entries))
	for id := range lt.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		e := lt.entries[id]
		if e.key.ComID != comID {
			continue
		}
		if e.key.SrcIP.IsValid() && e.key.SrcIP != srcIP {
			continue
		}
		if e.key.DestIP.IsValid() && e.key.DestIP != destIP {
			continue
		}
		if e.key.DestURI != "" && e.key.DestURI != destURI {
			continue
		}
		return e, true
	}
	return nil, false
}
