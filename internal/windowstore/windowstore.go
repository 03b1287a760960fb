// Package windowstore is an optional persistent tier backing WindowMap:
// when a caller wants random access to an index larger than comfortably
// fits in memory (all checkpoint windows for a multi-gigabyte archive,
// say), windows can be spilled to an on-disk pebble instance keyed by
// encoded bit offset instead of being held only in the in-process
// go-tinylfu cache.
package windowstore

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble/v2"
)

// Store is a disk-backed key-value store mapping an encoded bit offset
// to its raw (already-decompressed) window bytes.
type Store struct {
	db *pebble.DB
}

// Open opens or creates a pebble instance rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func key(bitOffset int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(bitOffset))
	return b[:]
}

// Put persists window (exactly WindowSize bytes, or empty to record
// "no history needed here") for bitOffset. Writes are unsynced: the
// store is a cache, not a durability guarantee, so losing the tail of
// an in-flight write batch on crash just means those windows get
// recomputed.
func (s *Store) Put(bitOffset int64, window []byte) error {
	return s.db.Set(key(bitOffset), window, pebble.NoSync)
}

// Get returns the window stored for bitOffset, if any. The returned
// slice is a copy safe to retain past the call.
func (s *Store) Get(bitOffset int64) ([]byte, bool, error) {
	v, closer, err := s.db.Get(key(bitOffset))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	if cerr := closer.Close(); cerr != nil {
		return nil, false, cerr
	}
	return out, true, nil
}

// Delete removes any window stored for bitOffset.
func (s *Store) Delete(bitOffset int64) error {
	return s.db.Delete(key(bitOffset), pebble.NoSync)
}
