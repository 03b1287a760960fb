package windowmap

import (
	"bytes"
	"testing"

	"github.com/elliotnunn/pgzdx/internal/windowstore"
)

func rawWindow(fill byte) *Window {
	b := make([]byte, WindowSize)
	for i := range b {
		b[i] = fill
	}
	return &Window{Compression: Raw, Raw: b}
}

func TestInsertAndGet(t *testing.T) {
	m := New(16)
	m.Insert(100, rawWindow('a'))
	h, ok := m.Get(100)
	if !ok {
		t.Fatalf("expected hit at 100")
	}
	got, err := h.Decompress()
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 'a' || len(got) != WindowSize {
		t.Fatalf("unexpected window contents")
	}
	if _, ok := m.Get(200); ok {
		t.Fatalf("expected miss at unpublished offset")
	}
}

func TestInsertDoesNotOverwriteWithEmpty(t *testing.T) {
	m := New(16)
	m.Insert(0, rawWindow('x'))
	m.Insert(0, &Window{Empty: true})
	h, _ := m.Get(0)
	got, _ := h.Decompress()
	if got[0] != 'x' {
		t.Fatalf("empty insert should not have overwritten non-empty window")
	}
}

func TestReleaseUpToHidesOlderEntries(t *testing.T) {
	m := New(16)
	m.Insert(0, rawWindow('a'))
	m.Insert(1000, rawWindow('b'))
	m.ReleaseUpTo(500)
	if _, ok := m.Get(0); ok {
		t.Fatalf("expected offset 0 to be released")
	}
	if _, ok := m.Get(1000); !ok {
		t.Fatalf("expected offset 1000 to remain visible")
	}
}

func TestOverflowTierServesEvictedWindow(t *testing.T) {
	store, err := windowstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	m := NewWithStore(16, store)
	m.Insert(100, rawWindow('a'))

	// Simulate TinyLFU having evicted offset 100 from the in-memory
	// cache -- Insert already wrote it through to the store, so Get
	// must still find it there.
	m.cache = New(16).cache

	h, ok := m.Get(100)
	if !ok {
		t.Fatalf("expected the overflow tier to still serve offset 100 after eviction")
	}
	got, err := h.Decompress()
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 'a' {
		t.Fatalf("got fill byte %q, want 'a'", got[0])
	}
}

func TestOverflowTierPersistsEmptyWindow(t *testing.T) {
	store, err := windowstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	m := NewWithStore(16, store)
	m.Insert(0, &Window{Empty: true})

	h, ok := m.Get(0)
	if !ok {
		t.Fatalf("expected a hit for the empty window")
	}
	got, err := h.Decompress()
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("empty window should decompress to all zero bytes")
		}
	}
}

func TestSparseDecompress(t *testing.T) {
	mask := make([]byte, WindowSize/8)
	mask[0] = 0b0000_0011 // positions 0 and 1 used
	w := &Window{Compression: Sparse, Mask: mask, Sparse: []byte{7, 9}}
	got, err := w.Decompress()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:2], []byte{7, 9}) {
		t.Fatalf("got %v, want [7 9]", got[:2])
	}
	for _, b := range got[2:] {
		if b != 0 {
			t.Fatalf("unused sparse positions should read as zero")
		}
	}
}
