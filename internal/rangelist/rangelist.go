// Package rangelist is a sorted, non-overlapping list of half-open byte
// ranges tagged with an arbitrary payload, searchable by bisection. It
// generalizes the coalescing byteRangeList used for cached file data into
// a payload-agnostic ordered index, which is what BlockMap needs:
// entries pushed in increasing offset order, looked up by
// bisection on the offset they cover.
package rangelist

import "slices"

// Entry is one [Off, Off+Len) span with an attached payload.
type Entry[T any] struct {
	Off int64
	Len int64
	Val T
}

func (e Entry[T]) end() int64 { return e.Off + e.Len }

// List is a sorted list of non-overlapping Entry values.
type List[T any] struct {
	entries []Entry[T]
	closed  bool
}

// Push appends a new entry. off must be >= the end of the last pushed
// entry; this mirrors BlockMap's push() contract (strictly increasing
// encodedOffset) and deliberately does not support out-of-order or
// overlapping insertion, unlike the more general coalescing list it is
// derived from.
func (l *List[T]) Push(off, length int64, val T) {
	if l.closed {
		panic("rangelist: push after Finalize")
	}
	if n := len(l.entries); n > 0 {
		last := l.entries[n-1]
		if off < last.end() {
			panic("rangelist: push out of order")
		}
	}
	l.entries = append(l.entries, Entry[T]{Off: off, Len: length, Val: val})
}

// Finalize closes the list against further Push calls and appends a
// zero-length sentinel entry at the given final offset, so that Len
// and Find behave correctly right up to end-of-stream.
func (l *List[T]) Finalize(finalOff int64, sentinel T) {
	if l.closed {
		return
	}
	l.entries = append(l.entries, Entry[T]{Off: finalOff, Len: 0, Val: sentinel})
	l.closed = true
}

func (l *List[T]) Finalized() bool { return l.closed }

// Len returns the cumulative extent of the list: the end of its last
// non-sentinel entry, or 0 if empty. Only meaningful once Finalize has
// been called, matching BlockMap.finalize()/size() semantics.
func (l *List[T]) Len() int64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Off
}

// Find bisects for the entry whose [Off, Off+Len) span contains off,
// returning ok=false if none does (including queries past end-of-list
// before Finalize has been called).
func (l *List[T]) Find(off int64) (Entry[T], bool) {
	i, hit := slices.BinarySearchFunc(l.entries, off, func(e Entry[T], off int64) int {
		switch {
		case e.end() <= off:
			return -1
		case e.Off > off:
			return 1
		default:
			return 0
		}
	})
	if !hit || i >= len(l.entries) {
		return Entry[T]{}, false
	}
	return l.entries[i], true
}

// FindLastBefore returns the last entry whose Off is <= off.
func (l *List[T]) FindLastBefore(off int64) (Entry[T], bool) {
	i, _ := slices.BinarySearchFunc(l.entries, off, func(e Entry[T], off int64) int {
		if e.Off > off {
			return 1
		}
		return -1
	})
	i--
	if i < 0 || i >= len(l.entries) {
		return Entry[T]{}, false
	}
	return l.entries[i], true
}

// All returns every entry, in ascending order.
func (l *List[T]) All() []Entry[T] {
	return slices.Clone(l.entries)
}

// Reset replaces the list's contents wholesale, used by SetBlockOffsets
// to bulk-load from an imported index. The caller is responsible for
// ensuring entries is already sorted and non-overlapping.
func (l *List[T]) Reset(entries []Entry[T], closed bool) {
	l.entries = entries
	l.closed = closed
}

// Last returns the most recently pushed entry, if any.
func (l *List[T]) Last() (Entry[T], bool) {
	if len(l.entries) == 0 {
		return Entry[T]{}, false
	}
	return l.entries[len(l.entries)-1], true
}
