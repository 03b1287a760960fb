// Package index reads and writes the two on-disk checkpoint-index
// formats ParallelReader can import and export: Format A, compatible
// with indexed_gzip's .gzidx files, and Format B, compatible with BGZF
// .gzi files. Both are little-endian binary layouts, parsed with manual
// encoding/binary slicing rather than a reflection-based codec.
package index

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/elliotnunn/pgzdx/internal/windowmap"
)

// Checkpoint is one resumable decode point: a bit-precise compressed
// offset paired with the uncompressed offset it produces, optionally
// carrying the 32768-byte window needed to resume decoding there.
type Checkpoint struct {
	CompressedOffsetInBits int64
	UncompressedOffset     int64
	Window                 []byte // nil if none recorded, else exactly windowmap.WindowSize bytes
}

const windowSize = windowmap.WindowSize

var (
	ErrBadMagic   = errors.New("index: bad magic")
	ErrBadVersion = errors.New("index: unsupported format version")
	ErrWindowSize = errors.New("index: window size must be 32768")
)

// Index is the decoded, format-agnostic result of an import.
type Index struct {
	CompressedSize   int64
	UncompressedSize int64
	Checkpoints      []Checkpoint
}

// --- Format A: indexed_gzip-compatible "GZIDX" ---

const (
	magicA       = "GZIDX"
	recordSizeV0 = 17
	recordSizeV1 = 18
)

// ReadFormatA parses an indexed_gzip-style .gzidx file.
func ReadFormatA(r io.Reader) (*Index, error) {
	br := bufio.NewReader(r)

	var hdr [35]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}
	if string(hdr[0:5]) != magicA {
		return nil, ErrBadMagic
	}
	version := hdr[5]
	if version != 0 && version != 1 {
		return nil, ErrBadVersion
	}
	compressedSize := int64(binary.LittleEndian.Uint64(hdr[7:15]))
	uncompressedSize := int64(binary.LittleEndian.Uint64(hdr[15:23]))
	_ = binary.LittleEndian.Uint32(hdr[23:27]) // spacing: informational only
	winSize := binary.LittleEndian.Uint32(hdr[27:31])
	if winSize != windowSize {
		return nil, ErrWindowSize
	}
	count := binary.LittleEndian.Uint32(hdr[31:35])

	recSize := recordSizeV1
	if version == 0 {
		recSize = recordSizeV0
	}

	type rawRec struct {
		byteOffset int64
		uncOffset  int64
		bits       uint8
		hasWindow  bool
	}
	raws := make([]rawRec, count)
	rec := make([]byte, recSize)
	for i := range raws {
		if _, err := io.ReadFull(br, rec); err != nil {
			return nil, err
		}
		byteOffset := int64(binary.LittleEndian.Uint64(rec[0:8]))
		uncOffset := int64(binary.LittleEndian.Uint64(rec[8:16]))
		bits := rec[16]
		hasWindow := version == 0 && i != 0
		if version == 1 {
			hasWindow = rec[17] != 0
		}
		raws[i] = rawRec{byteOffset, uncOffset, bits, hasWindow}
	}

	idx := &Index{CompressedSize: compressedSize, UncompressedSize: uncompressedSize}
	for _, raw := range raws {
		cp := Checkpoint{
			CompressedOffsetInBits: raw.byteOffset*8 - int64(raw.bits),
			UncompressedOffset:     raw.uncOffset,
		}
		if raw.hasWindow {
			win := make([]byte, windowSize)
			if _, err := io.ReadFull(br, win); err != nil {
				return nil, err
			}
			cp.Window = win
		}
		idx.Checkpoints = append(idx.Checkpoints, cp)
	}
	return idx, nil
}

// WriteFormatA writes an indexed_gzip-compatible .gzidx file, version 1
// (explicit per-checkpoint hasWindow flags).
func WriteFormatA(w io.Writer, idx *Index) error {
	bw := bufio.NewWriter(w)

	var hdr [35]byte
	copy(hdr[0:5], magicA)
	hdr[5] = 1 // version
	hdr[6] = 0 // reserved flags
	binary.LittleEndian.PutUint64(hdr[7:15], uint64(idx.CompressedSize))
	binary.LittleEndian.PutUint64(hdr[15:23], uint64(idx.UncompressedSize))
	binary.LittleEndian.PutUint32(hdr[23:27], 0) // spacing: not meaningful once merged
	binary.LittleEndian.PutUint32(hdr[27:31], windowSize)
	binary.LittleEndian.PutUint32(hdr[31:35], uint32(len(idx.Checkpoints)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}

	for _, cp := range idx.Checkpoints {
		bits := uint8(((-cp.CompressedOffsetInBits) % 8 + 8) % 8)
		byteOffset := (cp.CompressedOffsetInBits + int64(bits)) / 8

		var rec [18]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(byteOffset))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(cp.UncompressedOffset))
		rec[16] = bits
		if len(cp.Window) == windowSize {
			rec[17] = 1
		}
		if _, err := bw.Write(rec[:]); err != nil {
			return err
		}
	}
	for _, cp := range idx.Checkpoints {
		if len(cp.Window) != windowSize {
			continue
		}
		if _, err := bw.Write(cp.Window); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// --- Format B: BGZF .gzi-compatible ---

// ReadFormatB parses a BGZF .gzi file: a count followed by
// (compressedOffsetOfBlock, uncompressedOffset) pairs. An all-ones count
// is treated as zero entries. BGZF blocks carry no window of their own
// (each member is fully self-contained), so Checkpoint.Window stays nil
// for every entry here.
//
// A .gzi file only ever records internal block boundaries, never the
// start or the end of the archive, so both ends are synthesized here:
// an initial checkpoint at {0,0} if the first parsed entry isn't already
// there, and a final checkpoint learned by decompressing every BGZF
// member from the last checkpoint to EOF of src (a multistream
// gzip.Reader walks each concatenated member transparently). src and
// sourceSize are the raw archive bytes the .gzi describes -- required
// to perform that tail decode.
func ReadFormatB(r io.Reader, src io.ReaderAt, sourceSize int64) (*Index, error) {
	var countBuf [8]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint64(countBuf[:])
	if count == ^uint64(0) {
		count = 0
	}

	idx := &Index{}
	pair := make([]byte, 16)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, pair); err != nil {
			return nil, err
		}
		compByte := int64(binary.LittleEndian.Uint64(pair[0:8]))
		uncOff := int64(binary.LittleEndian.Uint64(pair[8:16]))
		idx.Checkpoints = append(idx.Checkpoints, Checkpoint{
			CompressedOffsetInBits: compByte * 8,
			UncompressedOffset:     uncOff,
		})
	}

	if len(idx.Checkpoints) == 0 || idx.Checkpoints[0].CompressedOffsetInBits != 0 {
		first := Checkpoint{CompressedOffsetInBits: 0, UncompressedOffset: 0}
		idx.Checkpoints = append([]Checkpoint{first}, idx.Checkpoints...)
	}

	last := idx.Checkpoints[len(idx.Checkpoints)-1]
	lastByte := last.CompressedOffsetInBits / 8
	tailSize, err := decodedSizeOfTail(src, lastByte, sourceSize)
	if err != nil {
		return nil, fmt.Errorf("index: synthesizing final BGZF checkpoint: %w", err)
	}

	idx.CompressedSize = sourceSize
	idx.UncompressedSize = last.UncompressedOffset + tailSize
	if lastByte*8 != sourceSize*8 {
		idx.Checkpoints = append(idx.Checkpoints, Checkpoint{
			CompressedOffsetInBits: sourceSize * 8,
			UncompressedOffset:     idx.UncompressedSize,
		})
	}
	return idx, nil
}

// decodedSizeOfTail decompresses every BGZF member from byteOffset to
// the end of src and returns their combined decoded size, so the final
// checkpoint's uncompressed offset can be learned without a full
// sequential pass over the whole archive.
func decodedSizeOfTail(src io.ReaderAt, byteOffset, sourceSize int64) (int64, error) {
	if byteOffset >= sourceSize {
		return 0, nil
	}
	gz, err := gzip.NewReader(io.NewSectionReader(src, byteOffset, sourceSize-byteOffset))
	if err != nil {
		return 0, err
	}
	defer gz.Close()
	return io.Copy(io.Discard, gz)
}

// WriteFormatB writes a BGZF .gzi file. Every checkpoint must land on a
// byte boundary (true of every BGZF member start); a checkpoint with a
// fractional bit offset is a caller error.
func WriteFormatB(w io.Writer, idx *Index) error {
	bw := bufio.NewWriter(w)

	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(idx.Checkpoints)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return err
	}

	pair := make([]byte, 16)
	for _, cp := range idx.Checkpoints {
		if cp.CompressedOffsetInBits%8 != 0 {
			return errors.New("index: BGZF checkpoint must be byte-aligned")
		}
		binary.LittleEndian.PutUint64(pair[0:8], uint64(cp.CompressedOffsetInBits/8))
		binary.LittleEndian.PutUint64(pair[8:16], uint64(cp.UncompressedOffset))
		if _, err := bw.Write(pair); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// MergeAdjacent coalesces consecutive checkpoints whose combined
// uncompressed gap is still under maxGapBytes, dropping the dropped
// checkpoints' windows. Only checkpoints without a window, or whose
// neighbor is within budget, are merged; the first and last checkpoints
// are always retained so the whole span remains coverable.
func MergeAdjacent(checkpoints []Checkpoint, maxGapBytes int64) []Checkpoint {
	if len(checkpoints) < 3 {
		return checkpoints
	}
	out := []Checkpoint{checkpoints[0]}
	for i := 1; i < len(checkpoints)-1; i++ {
		prev := out[len(out)-1]
		next := checkpoints[i+1]
		if next.UncompressedOffset-prev.UncompressedOffset <= maxGapBytes {
			continue
		}
		out = append(out, checkpoints[i])
	}
	out = append(out, checkpoints[len(checkpoints)-1])
	return out
}
