// Package blockmap is the ordered mapping from encoded bit offset to
// decoded byte range, the index ParallelReader bisects to translate a
// seek into a starting chunk. It is built on rangelist, keyed here by
// cumulative decoded offset rather than encoded offset, since random
// access always starts from "which block holds decoded byte N" -- the
// same bisection trick a checkpoint-based random-access reader performs
// over its checkpoints slice, generalized into its own ordered index.
package blockmap

import (
	"sync"

	"github.com/elliotnunn/pgzdx/internal/rangelist"
)

// Entry describes one pushed block: its span in both the encoded
// (bit-level) and decoded (byte-level) address spaces.
type Entry struct {
	EncodedOffset int64 // bits
	EncodedSize   int64 // bits
	DecodedOffset int64 // bytes
	DecodedSize   int64 // bytes
}

type blockInfo struct {
	EncodedOffset int64
	EncodedSize   int64
}

// Map is the concurrency-safe BlockMap.
type Map struct {
	mu   sync.Mutex
	list rangelist.List[blockInfo]
}

func New() *Map { return &Map{} }

// Push appends an entry for the block starting at encodedOffset (bits).
// Blocks are pushed in the order they are decoded, which is also
// strictly increasing encodedOffset order, and decodedSize bytes are
// appended immediately after whatever decoded offset the previous push
// reached.
func (m *Map) Push(encodedOffset, encodedSize, decodedSize int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	decodedOffset := int64(0)
	if last, ok := m.list.Last(); ok {
		decodedOffset = last.Off + last.Len
	}
	m.list.Push(decodedOffset, decodedSize, blockInfo{EncodedOffset: encodedOffset, EncodedSize: encodedSize})
}

// FindDataOffset bisects for the entry whose decoded range contains
// decoded.
func (m *Map) FindDataOffset(decoded int64) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.list.Find(decoded)
	if !ok {
		return Entry{}, false
	}
	return Entry{
		EncodedOffset: e.Val.EncodedOffset,
		EncodedSize:   e.Val.EncodedSize,
		DecodedOffset: e.Off,
		DecodedSize:   e.Len,
	}, true
}

// Finalize closes the map against further pushes and fixes its total
// decoded size.
func (m *Map) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.list.Finalized() {
		return
	}
	end := int64(0)
	if last, ok := m.list.Last(); ok {
		end = last.Off + last.Len
	}
	m.list.Finalize(end, blockInfo{})
}

func (m *Map) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list.Finalized()
}

// Size returns the cumulative decoded size. Only defined once Finalize
// has been called.
func (m *Map) Size() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.list.Finalized() {
		return 0, false
	}
	return m.list.Len(), true
}

// SetBlockOffsets bulk-loads entries from an imported index. entries
// must already be sorted, non-overlapping, and contiguous in decoded
// offset.
func (m *Map) SetBlockOffsets(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	re := make([]rangelist.Entry[blockInfo], len(entries))
	for i, e := range entries {
		re[i] = rangelist.Entry[blockInfo]{
			Off: e.DecodedOffset,
			Len: e.DecodedSize,
			Val: blockInfo{EncodedOffset: e.EncodedOffset, EncodedSize: e.EncodedSize},
		}
	}
	m.list.Reset(re, false)
}

// All returns every pushed entry, in ascending decoded-offset order.
func (m *Map) All() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw := m.list.All()
	out := make([]Entry, 0, len(raw))
	for _, e := range raw {
		if e.Len == 0 && m.list.Finalized() {
			continue // sentinel
		}
		out = append(out, Entry{
			EncodedOffset: e.Val.EncodedOffset,
			EncodedSize:   e.Val.EncodedSize,
			DecodedOffset: e.Off,
			DecodedSize:   e.Len,
		})
	}
	return out
}
