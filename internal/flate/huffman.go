// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flate implements RFC 1951 DEFLATE block decoding in "marker
// mode": it can decode a block before the 32-KiB back-reference window
// that precedes it is known, emitting markers.Symbol placeholders for any
// byte it cannot yet resolve. This is the DeflateBlockDecoder of the
// parallel-decode design: HuffmanCodings and BitStream are the only two
// collaborators it depends on.
package flate

import (
	"math/bits"

	"github.com/elliotnunn/pgzdx/internal/bitstream"
)

const (
	maxCodeLen = 16 // max length of a Huffman code
	// RFC 1951 section 3.2.7, with the proviso in 3.2.5 that distance
	// codes 30 and 31 never occur in compressed data.
	maxNumLit      = 286
	maxNumDist     = 30
	numCodes       = 19 // number of codes in the precode meta-alphabet
	maxMatchOffset = 1 << 15
	endBlockMarker = 256
)

// The Huffman table layout below (chunk & link tables) mirrors zlib's
// inflate algorithm: a fixed-width lookup table for short codes, with an
// overflow link table for anything longer than huffmanChunkBits.
const (
	huffmanChunkBits  = 9
	huffmanNumChunks  = 1 << huffmanChunkBits
	huffmanCountMask  = 15
	huffmanValueShift = 4
	maxPeekBits       = 24
)

type huffmanDecoder struct {
	min      int
	chunks   [huffmanNumChunks]uint32
	links    [][]uint32
	linkMask uint32
}

// init builds h from an array of code lengths, one per symbol. It
// returns false if the lengths do not describe a complete canonical
// Huffman tree (over- or under-subscribed), except for the historically
// tolerated degenerate single-symbol code of length 1.
func (h *huffmanDecoder) init(lengths []int) bool {
	if h.min != 0 {
		*h = huffmanDecoder{}
	}

	var count [maxCodeLen]int
	var min, max int
	for _, n := range lengths {
		if n == 0 {
			continue
		}
		if min == 0 || n < min {
			min = n
		}
		if n > max {
			max = n
		}
		count[n]++
	}

	if max == 0 {
		return true
	}

	code := 0
	var nextcode [maxCodeLen]int
	for i := min; i <= max; i++ {
		code <<= 1
		nextcode[i] = code
		code += count[i]
	}

	if code != 1<<uint(max) && !(code == 1 && max == 1) {
		return false
	}

	h.min = min
	if max > huffmanChunkBits {
		numLinks := 1 << (uint(max) - huffmanChunkBits)
		h.linkMask = uint32(numLinks - 1)

		link := nextcode[huffmanChunkBits+1] >> 1
		h.links = make([][]uint32, huffmanNumChunks-link)
		for j := uint(link); j < huffmanNumChunks; j++ {
			reverse := int(bits.Reverse16(uint16(j)))
			reverse >>= uint(16 - huffmanChunkBits)
			off := j - uint(link)
			h.chunks[reverse] = uint32(off<<huffmanValueShift | (huffmanChunkBits + 1))
			h.links[off] = make([]uint32, numLinks)
		}
	}

	for i, n := range lengths {
		if n == 0 {
			continue
		}
		code := nextcode[n]
		nextcode[n]++
		chunk := uint32(i<<huffmanValueShift | n)
		reverse := int(bits.Reverse16(uint16(code)))
		reverse >>= uint(16 - n)
		if n <= huffmanChunkBits {
			for off := reverse; off < len(h.chunks); off += 1 << uint(n) {
				h.chunks[off] = chunk
			}
		} else {
			j := reverse & (huffmanNumChunks - 1)
			value := h.chunks[j] >> huffmanValueShift
			linktab := h.links[value]
			reverse >>= huffmanChunkBits
			for off := reverse; off < len(linktab); off += 1 << uint(n-huffmanChunkBits) {
				linktab[off] = chunk
			}
		}
	}

	return true
}

// peekBits returns up to n bits without consuming them. Near the end of
// a (possibly truncated) stream it tolerates fewer bits being available,
// returning whatever is left so that the caller's table lookup behaves
// as though the stream were zero-padded -- exactly what a real decoder
// relies on immediately after a final block's end-of-block marker.
func peekBits(br bitstream.Reader, n uint) (uint32, error) {
	if v, err := br.Peek(n); err == nil {
		return v, nil
	}
	for k := n; k > 0; k-- {
		if v, err := br.Peek(k); err == nil {
			return v, nil
		}
	}
	return 0, errNoMoreBits
}

// huffSym decodes a single symbol from br according to h.
func huffSym(br bitstream.Reader, h *huffmanDecoder) (int, error) {
	v, err := peekBits(br, maxPeekBits)
	if err != nil {
		return 0, err
	}
	chunk := h.chunks[v&(huffmanNumChunks-1)]
	n := uint(chunk & huffmanCountMask)
	if n > huffmanChunkBits {
		chunk = h.links[chunk>>huffmanValueShift][(v>>huffmanChunkBits)&h.linkMask]
		n = uint(chunk & huffmanCountMask)
	}
	if n == 0 {
		return 0, ErrInvalidHuffmanCode
	}
	if _, err := br.Read(n); err != nil {
		return 0, err
	}
	return int(chunk >> huffmanValueShift), nil
}

var fixedHuffmanLiterals huffmanDecoder

func init() {
	// RFC 1951 section 3.2.6.
	var lengths [288]int
	for i := 0; i < 144; i++ {
		lengths[i] = 8
	}
	for i := 144; i < 256; i++ {
		lengths[i] = 9
	}
	for i := 256; i < 280; i++ {
		lengths[i] = 7
	}
	for i := 280; i < 288; i++ {
		lengths[i] = 8
	}
	fixedHuffmanLiterals.init(lengths[:])
}
