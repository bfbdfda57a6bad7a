package trdp_test

import (
	"testing"

	"github.com/trdp-go/trdpd/internal/trdp"
)

// -------------------------------------------------------------------------
// TestTrafficStoreCopyInOut: a CopyOut never aliases the store's
// backing array, so mutating the returned slice cannot corrupt a later
// read.
// -------------------------------------------------------------------------

func TestTrafficStoreCopyInOut(t *testing.T) {
	t.Parallel()

	store := trdp.NewTrafficStore(0)
	slice := store.Alloc(4)

	store.CopyIn(slice, []byte{1, 2, 3, 4})
	got := store.CopyOut(slice)
	if len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Fatalf("CopyOut = %v, want [1 2 3 4]", got)
	}

	got[0] = 0xFF // mutate the caller's copy
	again := store.CopyOut(slice)
	if again[0] != 1 {
		t.Fatalf("CopyOut returned an alias into the store: got %v after mutating a prior copy", again)
	}
}

func TestTrafficStoreZero(t *testing.T) {
	t.Parallel()

	store := trdp.NewTrafficStore(0)
	slice := store.Alloc(4)
	store.CopyIn(slice, []byte{9, 9, 9, 9})
	store.Zero(slice)

	got := store.CopyOut(slice)
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %d after Zero, want 0", i, b)
		}
	}
}

func TestTrafficStoreAllocNonOverlapping(t *testing.T) {
	t.Parallel()

	store := trdp.NewTrafficStore(0)
	a := store.Alloc(4)
	b := store.Alloc(8)

	if a.Offset+a.Size > b.Offset {
		t.Fatalf("slices overlap: a=%+v b=%+v", a, b)
	}

	store.CopyIn(a, []byte{1, 1, 1, 1})
	store.CopyIn(b, []byte{2, 2, 2, 2, 2, 2, 2, 2})

	if got := store.CopyOut(a); got[0] != 1 {
		t.Fatalf("slice a corrupted by write to slice b: %v", got)
	}
}
