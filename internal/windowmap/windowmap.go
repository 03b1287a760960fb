// Package windowmap is the shared mapping from an encoded
// bit offset to the 32-KiB back-reference window ending there. It plays
// the role decompressioncache's bigcache-backed ReaderAt plays for file
// data, but for in-memory windows bounded by entry count rather than
// byte budget, so eviction uses go-tinylfu's admission policy instead.
package windowmap

import (
	"compress/gzip"
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	tinylfu "github.com/dgryski/go-tinylfu"

	"github.com/elliotnunn/pgzdx/internal/dcode"
	"github.com/elliotnunn/pgzdx/internal/windowstore"
)

// WindowSize is the fixed deflate back-reference window size.
const WindowSize = 32768

// Compression describes how a Window's bytes are stored.
type Compression int

const (
	Raw Compression = iota
	Gzipped
	Sparse
)

// Window is an immutable, shared 32-KiB (or empty) back-reference
// window. Once published into a Map it is never mutated.
type Window struct {
	Empty       bool
	Compression Compression
	Raw         []byte // len == WindowSize when Compression == Raw
	Packed      []byte // gzip-compressed WindowSize bytes when Compression == Gzipped
	Mask        []byte // len == WindowSize/8, used positions only, when Compression == Sparse
	Sparse      []byte // values at used positions only, same order as Mask bits, when Sparse
}

// Decompress materializes the window's WindowSize bytes. Positions not
// covered by a sparse mask come back as zero, matching the "sentinel"
// byte ChunkDecoder's sparsity re-scan substitutes for unused positions.
func (w *Window) Decompress() ([]byte, error) {
	if w.Empty {
		return make([]byte, WindowSize), nil
	}
	switch w.Compression {
	case Raw:
		return w.Raw, nil
	case Gzipped:
		zr, err := gzip.NewReader(bytes.NewReader(w.Packed))
		if err != nil {
			return nil, dcode.New(dcode.InvalidGzipHeader)
		}
		out := make([]byte, WindowSize)
		if _, err := io.ReadFull(zr, out); err != nil {
			return nil, err
		}
		return out, nil
	case Sparse:
		out := make([]byte, WindowSize)
		vi := 0
		for i := 0; i < WindowSize; i++ {
			if w.Mask[i/8]&(1<<uint(i%8)) != 0 {
				out[i] = w.Sparse[vi]
				vi++
			}
		}
		return out, nil
	default:
		panic("windowmap: unknown compression")
	}
}

// Handle is a shared reference to a published Window.
type Handle struct{ w *Window }

func (h Handle) Decompress() ([]byte, error) { return h.w.Decompress() }
func (h Handle) Window() *Window             { return h.w }

// Map is the concurrency-safe encoded-BitOffset -> Window index.
// Guarded by a single mutex, as the concurrency model requires: short
// critical sections only, windows immutable once published.
type Map struct {
	mu    sync.Mutex
	cache *tinylfu.T[int64, *Window]
	floor int64 // ReleaseUpTo watermark; entries below this read as absent
	store *windowstore.Store
}

// New creates a Map admitting up to capacity windows, evicted by
// TinyLFU's frequency-and-recency policy once full.
func New(capacity int) *Map {
	m := &Map{}
	m.cache = tinylfu.New[int64, *Window](capacity, capacity*10, hashOffset)
	return m
}

// NewWithStore creates a Map backed additionally by a persistent
// overflow tier: windows TinyLFU evicts from the in-memory cache are
// still recoverable from store rather than requiring the chunk they
// ended to be redecoded, for archives whose checkpoint set does not
// comfortably fit in memory.
func NewWithStore(capacity int, store *windowstore.Store) *Map {
	m := New(capacity)
	m.store = store
	return m
}

func hashOffset(off int64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(off))
	return xxhash.Sum64(b[:])
}

// Insert publishes a window at offset. A later insert at an offset
// already holding a non-empty window is ignored unless the new window
// is itself non-empty, matching WindowMap's overwrite rule.
func (m *Map) Insert(offset int64, w *Window) {
	m.mu.Lock()
	if offset < m.floor {
		m.mu.Unlock()
		return
	}
	if existing, ok := m.cache.Get(offset); ok && !existing.Empty && w.Empty {
		m.mu.Unlock()
		return
	}
	m.cache.Add(offset, w)
	store := m.store
	m.mu.Unlock()

	if store != nil {
		// Best effort: the overflow tier is a cache, not a durability
		// guarantee, so a write failure just means this window is
		// redecoded from the chunk that ends at offset if it is later
		// evicted from the in-memory cache too.
		if w.Empty {
			_ = store.Put(offset, nil)
			return
		}
		if raw, err := w.Decompress(); err == nil {
			_ = store.Put(offset, raw)
		}
	}
}

// Get returns a shared handle to the window published at offset,
// falling back to the persistent overflow tier (if configured) when
// TinyLFU has evicted it from memory.
func (m *Map) Get(offset int64) (Handle, bool) {
	m.mu.Lock()
	if offset < m.floor {
		m.mu.Unlock()
		return Handle{}, false
	}
	if w, ok := m.cache.Get(offset); ok {
		m.mu.Unlock()
		return Handle{w}, true
	}
	store := m.store
	m.mu.Unlock()
	if store == nil {
		return Handle{}, false
	}

	raw, found, err := store.Get(offset)
	if err != nil || !found {
		return Handle{}, false
	}
	var w *Window
	if len(raw) == 0 {
		w = &Window{Empty: true}
	} else {
		w = &Window{Compression: Raw, Raw: raw}
	}

	m.mu.Lock()
	if offset >= m.floor {
		m.cache.Add(offset, w)
	}
	m.mu.Unlock()
	return Handle{w}, true
}

// ReleaseUpTo drops visibility of all windows with key < offset, for
// forward-only (non-seekable) readers that will never revisit them.
// Entries are not necessarily reclaimed from the underlying cache
// immediately; TinyLFU's own admission policy still governs residency,
// but Get/Insert below the watermark behave as if they were gone.
func (m *Map) ReleaseUpTo(offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset > m.floor {
		m.floor = offset
	}
}
