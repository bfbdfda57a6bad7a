package trdp

import (
	"net/netip"
	"testing"
)

// -------------------------------------------------------------------------
// TestListenerTableDuplicateRejected: adding the same key twice is
// rejected, but a del then add on that same key succeeds.
// -------------------------------------------------------------------------

func TestListenerTableDuplicateRejected(t *testing.T) {
	t.Parallel()

	lt := NewListenerTable()
	key := listenerKey{ComID: 100}

	h1, err := lt.Add(key, nil, nil, FlagUDP)
	if err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := lt.Add(key, nil, nil, FlagUDP); err != ErrDuplicateListener {
		t.Fatalf("second Add on same key = %v, want ErrDuplicateListener", err)
	}

	if err := lt.Delete(h1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := lt.Add(key, nil, nil, FlagUDP); err != nil {
		t.Fatalf("re-Add after Delete: %v", err)
	}
}

func TestListenerTableDeleteUnknownHandle(t *testing.T) {
	t.Parallel()

	lt := NewListenerTable()
	if err := lt.Delete(ListenerHandle{id: 999}); err != ErrUnknownHandle {
		t.Fatalf("Delete unknown handle = %v, want ErrUnknownHandle", err)
	}
}

// -------------------------------------------------------------------------
// TestListenerTableMatchWildcards: a zero-value filter field (src IP,
// dest IP, dest URI) acts as a wildcard during Match.
// -------------------------------------------------------------------------

func TestListenerTableMatchWildcards(t *testing.T) {
	t.Parallel()

	lt := NewListenerTable()
	peer := netip.MustParseAddr("10.0.0.5")

	if _, err := lt.Add(listenerKey{ComID: 200}, nil, "userdata", FlagUDP); err != nil {
		t.Fatalf("Add: %v", err)
	}

	e, ok := lt.Match(200, peer, netip.Addr{}, "anything")
	if !ok {
		t.Fatal("Match against wildcard filters = false, want true")
	}
	if e.userRef != "userdata" {
		t.Fatalf("matched entry userRef = %v, want userdata", e.userRef)
	}

	if _, ok := lt.Match(201, peer, netip.Addr{}, "anything"); ok {
		t.Fatal("Match with mismatched comID = true, want false")
	}
}

func TestListenerTableMatchFiltersNarrow(t *testing.T) {
	t.Parallel()

	lt := NewListenerTable()
	allowed := netip.MustParseAddr("10.0.0.5")
	other := netip.MustParseAddr("10.0.0.6")

	if _, err := lt.Add(listenerKey{ComID: 300, SrcIP: allowed, DestURI: "sink"}, nil, nil, FlagUDP); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, ok := lt.Match(300, other, netip.Addr{}, "sink"); ok {
		t.Fatal("Match with non-matching srcIP filter = true, want false")
	}
	if _, ok := lt.Match(300, allowed, netip.Addr{}, "other-uri"); ok {
		t.Fatal("Match with non-matching destURI filter = true, want false")
	}
	if _, ok := lt.Match(300, allowed, netip.Addr{}, "sink"); !ok {
		t.Fatal("Match with all filters satisfied = false, want true")
	}
}
