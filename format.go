// Package pgzdx is a parallel decompressor for gzip, zlib, and raw
// deflate streams (plus a bzip2 companion), preserving exact byte-for-
// byte output while spreading decode work across many cores and
// supporting random access via a persistent seek index. ParallelReader
// is the public facade; everything that makes chunked parallel decoding
// possible -- the speculative block finder, the marker-based two-stage
// deflate pipeline, the shared window map, the chunk cache, and the
// CRC32 combination law -- lives under internal/.
package pgzdx

import (
	"io"
)

// Format identifies the container wrapping the deflate (or bzip2)
// payload, detected the way probeArchive sniffs archive types: file
// extension is never trusted alone, only the header bytes are.
type Format int

const (
	Unknown Format = iota
	Gzip
	Zlib
	RawDeflate // only ever selected explicitly; it has no signature to sniff
	BGZF       // a gzip file whose first member carries a 'BC' extra subfield
	Bzip2
	Xz  // recognized so the CLI can report "unsupported" instead of "unrecognized"
	Zip // recognized for the same reason; pgzdx never unpacks container archives
)

func (f Format) String() string {
	switch f {
	case Gzip:
		return "gzip"
	case Zlib:
		return "zlib"
	case RawDeflate:
		return "raw-deflate"
	case BGZF:
		return "bgzf"
	case Bzip2:
		return "bzip2"
	case Xz:
		return "xz"
	case Zip:
		return "zip"
	default:
		return "unknown"
	}
}

// Decodable reports whether pgzdx can actually decompress this format.
// Xz and Zip are sniffed purely so the CLI can tell a user "I recognize
// this container, I just don't unpack it" instead of "unrecognized
// format" -- the same distinction probeArchive draws between a format
// it has a handler for and one it only fingerprints.
func (f Format) Decodable() bool {
	switch f {
	case Gzip, Zlib, RawDeflate, BGZF, Bzip2:
		return true
	default:
		return false
	}
}

// at reports whether head, starting at offset o, equals s -- the same
// small header-matching helper probeArchive uses.
func at(head []byte, s string, o int) bool {
	if o < 0 || o+len(s) > len(head) {
		return false
	}
	return string(head[o:o+len(s)]) == s
}

// Sniff detects a stream's format from its first bytes. It never reads
// past 16 bytes. RawDeflate cannot be sniffed (it carries no signature)
// and is only ever selected explicitly by a caller that already knows
// the source is headerless deflate.
func Sniff(r io.ReaderAt) (Format, error) {
	var head [16]byte
	n, err := r.ReadAt(head[:], 0)
	if err != nil && err != io.EOF {
		return Unknown, err
	}
	h := head[:n]

	switch {
	case at(h, "\x1f\x8b\x08", 0):
		if isBGZFHeader(h) {
			return BGZF, nil
		}
		return Gzip, nil
	case at(h, "BZh", 0):
		return Bzip2, nil
	case at(h, "\xfd7zXZ\x00", 0):
		return Xz, nil
	case at(h, "PK\x03\x04", 0), at(h, "PK\x05\x06", 0):
		return Zip, nil
	case len(h) >= 2 && looksLikeZlib(h[0], h[1]):
		return Zlib, nil
	default:
		return Unknown, nil
	}
}

// looksLikeZlib applies RFC 1950's header check: the big-endian 16-bit
// value CMF<<8|FLG must be divisible by 31, the compression method
// (low nibble of CMF) must be 8 (deflate), and no preset dictionary bit
// may be set (preset zlib dictionaries are not supported).
func looksLikeZlib(cmf, flg byte) bool {
	if cmf&0x0f != 8 {
		return false
	}
	if flg&0x20 != 0 {
		return false
	}
	return (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// isBGZFHeader reports whether a gzip header's FEXTRA field (if
// present, flagged by bit 2 of the flags byte at offset 3) starts with
// a 'BC' subfield -- just enough of a peek to flag BGZF without a full
// gzip.Reader parse, since Sniff only has 16 header bytes to work with.
// A false negative here just means the caller falls back to ordinary
// gzip treatment and block-finder search instead of the BGZF fast path;
// blockfinder.IsBGZF does the authoritative check once a full ReaderAt
// is available.
func isBGZFHeader(h []byte) bool {
	if len(h) < 12 || h[3]&0x04 == 0 {
		return false
	}
	xlen := int(h[10]) | int(h[11])<<8
	if xlen < 4 || len(h) < 14 {
		return false
	}
	return h[12] == 'B' && h[13] == 'C'
}
