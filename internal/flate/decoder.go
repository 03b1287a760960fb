// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.
//
// Adapted from the standard library's DEFLATE decompressor to decode a
// single block at a time against an unknown (marker) or known window, so
// that ChunkDecoder can run many of these over independent ranges of one
// compressed stream concurrently.

package flate

import (
	"github.com/elliotnunn/pgzdx/internal/bitstream"
	"github.com/elliotnunn/pgzdx/internal/dcode"
	"github.com/elliotnunn/pgzdx/internal/markers"
)

// CompressionType is a deflate block's 2-bit BTYPE field.
type CompressionType int

const (
	Uncompressed CompressionType = iota
	FixedHuffman
	DynamicHuffman
	Reserved
)

// codeOrder is RFC 1951 section 3.2.7's permutation of precode lengths.
var codeOrder = [...]int{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}

// Decoder decodes deflate blocks in "marker mode": back-references that
// reach before the start of decoding produce markers.Symbol placeholders
// instead of failing, so a chunk can be decoded before the window that
// precedes it is known. Call SetInitialWindow once the true window is
// available to resolve every placeholder emitted so far.
type Decoder struct {
	big            []markers.Symbol // [0:maxMatchOffset) is the window, the rest is chunk output
	windowResolved bool

	curType     CompressionType
	isLastBlock bool
	headerDone  bool // true once ReadHeader has set up curType/hl/hd for the block in progress

	hl, hd *huffmanDecoder // literal/length and distance tables; hd == nil means FixedHuffman's reversed-5-bit distance code

	// Uncompressed-block bookkeeping.
	uncompRemaining int
}

// NewDecoder creates a decoder whose preceding 32 KiB of history is
// unknown; back-references into it emit markers.Symbol window
// placeholders rather than real bytes.
func NewDecoder() *Decoder {
	d := &Decoder{big: make([]markers.Symbol, maxMatchOffset)}
	for i := range d.big {
		d.big[i] = markers.FromWindow(i)
	}
	return d
}

// NewDecoderWithWindow creates a decoder whose preceding window is fully
// known. window must be exactly maxMatchOffset (32768) bytes, zero-padded
// on the left if fewer true history bytes exist (e.g. near stream start).
func NewDecoderWithWindow(window []byte) *Decoder {
	if len(window) != maxMatchOffset {
		panic("flate: window must be exactly maxMatchOffset bytes")
	}
	d := &Decoder{big: make([]markers.Symbol, maxMatchOffset), windowResolved: true}
	for i, b := range window {
		d.big[i] = markers.Literal(b)
	}
	return d
}

// SetInitialWindow resolves every marker emitted so far (including ones
// already copied forward into the output, by reference-chaining) against
// window, which must be exactly maxMatchOffset bytes.
func (d *Decoder) SetInitialWindow(window []byte) {
	if len(window) != maxMatchOffset {
		panic("flate: window must be exactly maxMatchOffset bytes")
	}
	for i, s := range d.big {
		if s.IsMarker() {
			d.big[i] = markers.Literal(window[s.WindowPos()])
		}
	}
	d.windowResolved = true
}

// WindowResolved reports whether the decoder has real history rather
// than markers at its start.
func (d *Decoder) WindowResolved() bool { return d.windowResolved }

// Output returns the symbols decoded so far, excluding the leading
// window. The returned slice is owned by the decoder and is invalidated
// by the next ReadBlock/SetInitialWindow call that grows it.
func (d *Decoder) Output() []markers.Symbol { return d.big[maxMatchOffset:] }

// DecodedWindow returns the maxMatchOffset bytes of history that would
// precede the next byte to be decoded -- i.e. the window a chunk starting
// here would need. Only valid once the decoder's window is resolved and
// at least maxMatchOffset bytes have been produced (callers pad with the
// original initial window otherwise).
func (d *Decoder) DecodedWindow() []byte {
	tail := d.big[len(d.big)-maxMatchOffset:]
	out := make([]byte, maxMatchOffset)
	for i, s := range tail {
		out[i] = s.Byte()
	}
	return out
}

func (d *Decoder) IsLastBlock() bool           { return d.isLastBlock }
func (d *Decoder) CompressionType() CompressionType { return d.curType }
func (d *Decoder) InBlock() bool               { return d.headerDone }

// ReadHeader reads a block's 3-bit header (and, for DynamicHuffman, its
// Huffman tables) from br.
func (d *Decoder) ReadHeader(br bitstream.Reader) error {
	last, err := br.Read(1)
	if err != nil {
		return err
	}
	d.isLastBlock = last == 1

	typ, err := br.Read(2)
	if err != nil {
		return err
	}

	switch typ {
	case 0:
		d.curType = Uncompressed
		if err := d.readUncompressedHeader(br); err != nil {
			return err
		}
	case 1:
		d.curType = FixedHuffman
		d.hl, d.hd = &fixedHuffmanLiterals, nil
	case 2:
		d.curType = DynamicHuffman
		if err := d.readDynamicTables(br); err != nil {
			return err
		}
	default:
		return dcode.New(dcode.InvalidCompression)
	}

	d.headerDone = true
	return nil
}

func (d *Decoder) readUncompressedHeader(br bitstream.Reader) error {
	// Discard the partial byte up to the next byte boundary; those bits
	// must be zero.
	if off := br.Tell() & 7; off != 0 {
		pad, err := br.Read(uint(8 - off))
		if err != nil {
			return err
		}
		if pad != 0 {
			return dcode.New(dcode.NonZeroPadding)
		}
	}

	lenLo, err := br.Read(8)
	if err != nil {
		return err
	}
	lenHi, err := br.Read(8)
	if err != nil {
		return err
	}
	nlenLo, err := br.Read(8)
	if err != nil {
		return err
	}
	nlenHi, err := br.Read(8)
	if err != nil {
		return err
	}
	n := lenLo | lenHi<<8
	nn := nlenLo | nlenHi<<8
	if uint16(nn) != uint16(^n) {
		return dcode.New(dcode.LengthChecksumMismatch)
	}
	d.uncompRemaining = int(n)
	return nil
}

func (d *Decoder) readDynamicTables(br bitstream.Reader) error {
	nlitRaw, err := br.Read(5)
	if err != nil {
		return err
	}
	ndistRaw, err := br.Read(5)
	if err != nil {
		return err
	}
	nclenRaw, err := br.Read(4)
	if err != nil {
		return err
	}

	nlit := int(nlitRaw) + 257
	if nlit > maxNumLit {
		return dcode.New(dcode.InvalidCodeLengths)
	}
	ndist := int(ndistRaw) + 1
	if ndist > maxNumDist {
		return dcode.New(dcode.InvalidCodeLengths)
	}
	nclen := int(nclenRaw) + 4

	var codebits [numCodes]int
	for i := 0; i < nclen; i++ {
		v, err := br.Read(3)
		if err != nil {
			return err
		}
		codebits[codeOrder[i]] = int(v)
	}
	for i := nclen; i < len(codeOrder); i++ {
		codebits[codeOrder[i]] = 0
	}

	var precode huffmanDecoder
	if !precode.init(codebits[:]) {
		return dcode.New(dcode.InvalidCLBackreference)
	}

	var lengths [maxNumLit + maxNumDist]int
	for i, n := 0, nlit+ndist; i < n; {
		sym, err := huffSym(br, &precode)
		if err != nil {
			return err
		}
		if sym < 16 {
			lengths[i] = sym
			i++
			continue
		}
		var rep int
		var nb uint
		var base int
		switch sym {
		case 16:
			rep, nb = 3, 2
			if i == 0 {
				return dcode.New(dcode.InvalidCLBackreference)
			}
			base = lengths[i-1]
		case 17:
			rep, nb = 3, 3
		case 18:
			rep, nb = 11, 7
		default:
			return dcode.New(dcode.InvalidCLBackreference)
		}
		extra, err := br.Read(nb)
		if err != nil {
			return err
		}
		rep += int(extra)
		if i+rep > n {
			return dcode.New(dcode.InvalidCodeLengths)
		}
		for j := 0; j < rep; j++ {
			lengths[i] = base
			i++
		}
	}

	if lengths[endBlockMarker] == 0 {
		return dcode.New(dcode.InvalidCodeLengths)
	}
	if singleSymbolDegenerate(lengths[:nlit]) {
		// Rejected here even though distance/precode tables tolerate
		// a degenerate single-symbol coding for zlib compatibility.
		return dcode.New(dcode.InvalidCodeLengths)
	}

	var hl, hdist huffmanDecoder
	if !hl.init(lengths[:nlit]) || !hdist.init(lengths[nlit:nlit+ndist]) {
		return dcode.New(dcode.InvalidCodeLengths)
	}
	if hl.min < lengths[endBlockMarker] {
		hl.min = lengths[endBlockMarker]
	}
	d.hl, d.hd = &hl, &hdist
	return nil
}

func singleSymbolDegenerate(lengths []int) bool {
	count, length := 0, 0
	for _, n := range lengths {
		if n != 0 {
			count++
			length = n
		}
	}
	return count == 1 && length == 1
}

// length/distance base and extra-bit tables, RFC 1951 section 3.2.5.
var lengthBase = [...]int{3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31, 35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258}
var lengthExtra = [...]uint{0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0}
var distBase = [...]int{1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193, 257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577}
var distExtra = [...]uint{0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13}

// ReadBlock decodes up to maxSymbols more symbols of the block currently
// in progress (ReadHeader must have been called first), appending them to
// the decoder's output. It returns eob=true once the block's
// end-of-block marker (or, for Uncompressed, all LEN bytes) has been
// consumed.
func (d *Decoder) ReadBlock(br bitstream.Reader, maxSymbols int) (eob bool, err error) {
	if !d.headerDone {
		panic("flate: ReadBlock called before ReadHeader")
	}
	if d.curType == Uncompressed {
		return d.readUncompressedBody(br, maxSymbols)
	}
	return d.readHuffmanBody(br, maxSymbols)
}

func (d *Decoder) readUncompressedBody(br bitstream.Reader, maxSymbols int) (bool, error) {
	n := maxSymbols
	if n > d.uncompRemaining {
		n = d.uncompRemaining
	}
	for i := 0; i < n; i++ {
		v, err := br.Read(8)
		if err != nil {
			return false, err
		}
		d.big = append(d.big, markers.Literal(byte(v)))
	}
	d.uncompRemaining -= n
	if d.uncompRemaining == 0 {
		d.headerDone = false
		return true, nil
	}
	return false, nil
}

func (d *Decoder) readHuffmanBody(br bitstream.Reader, maxSymbols int) (bool, error) {
	for produced := 0; produced < maxSymbols; {
		sym, err := huffSym(br, d.hl)
		if err != nil {
			return false, err
		}

		switch {
		case sym < 256:
			d.big = append(d.big, markers.Literal(byte(sym)))
			produced++
			continue
		case sym == endBlockMarker:
			d.headerDone = false
			return true, nil
		case sym < maxNumLit:
			idx := sym - 257
			if idx >= len(lengthBase) {
				return false, dcode.New(dcode.ExceededLiteralRange)
			}
			length := lengthBase[idx]
			if nb := lengthExtra[idx]; nb > 0 {
				extra, err := br.Read(nb)
				if err != nil {
					return false, err
				}
				length += int(extra)
			}

			var dist int
			if d.hd == nil {
				// FixedHuffman: 5 raw bits, bit-reversed.
				raw, err := br.Read(5)
				if err != nil {
					return false, err
				}
				dist = int(reverse5(uint8(raw)))
			} else {
				dsym, err := huffSym(br, d.hd)
				if err != nil {
					return false, err
				}
				if dsym >= len(distBase) {
					return false, dcode.New(dcode.ExceededDistanceRange)
				}
				dist = distBase[dsym]
				if nb := distExtra[dsym]; nb > 0 {
					extra, err := br.Read(nb)
					if err != nil {
						return false, err
					}
					dist += int(extra)
				}
			}
			if dist > maxMatchOffset || dist <= 0 {
				return false, dcode.New(dcode.ExceededDistanceRange)
			}

			curlen := len(d.big)
			for i := 0; i < length; i++ {
				d.big = append(d.big, d.big[curlen+i-dist])
			}
			produced += length
		default:
			return false, dcode.New(dcode.ExceededLiteralRange)
		}
	}
	return false, nil
}

func reverse5(b uint8) uint8 {
	var r uint8
	for i := 0; i < 5; i++ {
		r = r<<1 | (b & 1)
		b >>= 1
	}
	return r
}
