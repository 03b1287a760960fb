// Package blockfinder locates plausible deflate block starts inside a
// bit range by speculatively trying to read a block header there with
// the real DeflateBlockDecoder, and also knows the BGZF fast path where
// block starts are read directly off 'BC' extra-field subfields instead
// of being searched for at all.
package blockfinder

import (
	"compress/gzip"
	"encoding/binary"
	"io"

	"github.com/elliotnunn/pgzdx/internal/bitstream"
	"github.com/elliotnunn/pgzdx/internal/flate"
)

const (
	// DefaultPartitionBits is the default partition size (4 MiB) the
	// stream is carved into for parallel chunk assignment, in bits.
	DefaultPartitionBits = int64(4<<20) * 8

	scanChunkBits = int64(8<<10) * 8

	// DefaultMaxScanBits bounds how far NextCandidate will search before
	// giving up and reporting NoBlockInRange to its caller.
	DefaultMaxScanBits = int64(512<<10) * 8

	windowSize = 1 << 15
)

// Kind distinguishes the two anchor shapes BlockFinder looks for.
// FIXED-HUFFMAN blocks are deliberately excluded: their 3-bit header is
// too short to be a reliable anchor.
type Kind int

const (
	Dynamic Kind = iota
	UncompressedBlock
)

// Candidate is a plausible, but not yet confirmed, non-final deflate
// block start.
type Candidate struct {
	BitOffset int64
	Kind      Kind
}

// Finder searches a single compressed source, probing candidate bit
// offsets by cloning src and attempting a real header read there.
type Finder struct {
	src         bitstream.Reader
	maxScanBits int64
}

func New(src bitstream.Reader) *Finder {
	return &Finder{src: src, maxScanBits: DefaultMaxScanBits}
}

func (f *Finder) SetMaxScanBits(n int64) { f.maxScanBits = n }

// Partition returns the start of the spacingBits-sized partition that
// bitOffset falls within.
func Partition(bitOffset, spacingBits int64) int64 {
	return (bitOffset / spacingBits) * spacingBits
}

// NextCandidate scans [begin, end) bit by bit -- trying an uncompressed
// candidate at each byte boundary and a dynamic-Huffman candidate at
// every bit -- and returns the first (thus earliest) plausible start it
// finds. It gives up after maxScanBits bits, returning ok=false; the
// caller (ChunkDecoder) reports NO_BLOCK_IN_RANGE in that case.
func (f *Finder) NextCandidate(begin, end int64) (Candidate, bool) {
	limit := begin + f.maxScanBits
	if limit > end {
		limit = end
	}
	for bit := begin; bit < limit; bit++ {
		if bit%8 == 0 {
			if c, ok := f.tryUncompressed(bit); ok {
				return c, true
			}
		}
		if c, ok := f.tryDynamic(bit); ok {
			return c, true
		}
	}
	return Candidate{}, false
}

func (f *Finder) tryDynamic(bit int64) (Candidate, bool) {
	br := f.src.Clone()
	if err := br.SeekToBit(bit); err != nil {
		return Candidate{}, false
	}
	d := flate.NewDecoderWithWindow(make([]byte, windowSize))
	if err := d.ReadHeader(br); err != nil {
		return Candidate{}, false
	}
	if d.IsLastBlock() || d.CompressionType() != flate.DynamicHuffman {
		return Candidate{}, false
	}
	return Candidate{BitOffset: bit, Kind: Dynamic}, true
}

func (f *Finder) tryUncompressed(bit int64) (Candidate, bool) {
	br := f.src.Clone()
	if err := br.SeekToBit(bit); err != nil {
		return Candidate{}, false
	}
	d := flate.NewDecoderWithWindow(make([]byte, windowSize))
	if err := d.ReadHeader(br); err != nil {
		return Candidate{}, false
	}
	if d.IsLastBlock() || d.CompressionType() != flate.Uncompressed {
		return Candidate{}, false
	}
	return Candidate{BitOffset: bit, Kind: UncompressedBlock}, true
}

// BGZFBlock is one gzip member of a BGZF file: ByteOffset is where its
// header begins, Size is the member's total compressed byte length (as
// recorded in the 'BC' extra-field subfield), so the next member starts
// at ByteOffset+Size.
type BGZFBlock struct {
	ByteOffset int64
	Size       int64
}

// ScanBGZF walks a BGZF file's gzip member headers directly, without
// any deflate-level searching: each member advertises its own size in
// a 'BC' extra subfield (RFC 1952 FEXTRA, SI1='B' SI2='C'), so block
// boundaries are known exactly and windows are always empty (every
// member's compressed payload is fully self-contained).
func ScanBGZF(r io.ReaderAt, size int64) ([]BGZFBlock, error) {
	var blocks []BGZFBlock
	pos := int64(0)
	for pos < size {
		sr := io.NewSectionReader(r, pos, size-pos)
		gz, err := gzip.NewReader(sr)
		if err != nil {
			return blocks, err
		}
		bsize, ok := bcSubfield(gz.Header.Extra)
		gz.Close()
		if !ok {
			return blocks, errNotBGZF
		}
		memberSize := int64(bsize) + 1
		blocks = append(blocks, BGZFBlock{ByteOffset: pos, Size: memberSize})
		pos += memberSize
	}
	return blocks, nil
}

// IsBGZF reports whether r's first gzip member carries a 'BC' subfield.
func IsBGZF(r io.ReaderAt, size int64) bool {
	sr := io.NewSectionReader(r, 0, size)
	gz, err := gzip.NewReader(sr)
	if err != nil {
		return false
	}
	defer gz.Close()
	_, ok := bcSubfield(gz.Header.Extra)
	return ok
}

func bcSubfield(extra []byte) (uint16, bool) {
	for i := 0; i+4 <= len(extra); {
		si1, si2 := extra[i], extra[i+1]
		slen := int(extra[i+2]) | int(extra[i+3])<<8
		if i+4+slen > len(extra) {
			return 0, false
		}
		data := extra[i+4 : i+4+slen]
		if si1 == 'B' && si2 == 'C' && slen == 2 {
			return binary.LittleEndian.Uint16(data), true
		}
		i += 4 + slen
	}
	return 0, false
}

type bgzfError string

func (e bgzfError) Error() string { return string(e) }

var errNotBGZF = bgzfError("blockfinder: not a BGZF member (missing 'BC' subfield)")
