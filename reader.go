package pgzdx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/elliotnunn/pgzdx/internal/bitstream"
	"github.com/elliotnunn/pgzdx/internal/blockfinder"
	"github.com/elliotnunn/pgzdx/internal/blockmap"
	"github.com/elliotnunn/pgzdx/internal/bzip2fetcher"
	"github.com/elliotnunn/pgzdx/internal/chunkdecoder"
	"github.com/elliotnunn/pgzdx/internal/chunkfetcher"
	"github.com/elliotnunn/pgzdx/internal/crc32x"
	"github.com/elliotnunn/pgzdx/internal/dcode"
	"github.com/elliotnunn/pgzdx/internal/markers"
	"github.com/elliotnunn/pgzdx/internal/sectionreader"
	"github.com/elliotnunn/pgzdx/internal/windowmap"
	"github.com/elliotnunn/pgzdx/index"
)

var errWhence = errors.New("pgzdx: invalid whence")
var errOffset = errors.New("pgzdx: invalid offset")
var errCancelled = errors.New("pgzdx: reader cancelled")

// Options configures a ParallelReader.
type Options struct {
	Format           Format
	Parallelism      int
	PartitionBits    int64
	CacheBudgetBytes int
	ChunkConfig      chunkdecoder.Config

	// NewlineChar, if non-zero, enables line-offset tracking: each
	// subchunk's occurrences of this byte are integrated into a
	// cumulative table alongside BlockMap.
	NewlineChar byte
}

// ParallelReader is the public file-like facade: Read/Seek/Size driven
// by a ChunkFetcher, with CRC32 stream verification and newline-offset
// tracking layered on top, in the same Read/Seek shape as a standard
// file handle. It has no ReadAt method.
type ParallelReader struct {
	src       bitstream.Reader
	raw       io.ReaderAt // the same bytes src wraps, for operations below the bit level (e.g. BGZF tail decode)
	format    chunkdecoder.Format
	fetcher   *chunkfetcher.Fetcher
	bz        *bzip2fetcher.Fetcher // non-nil instead of fetcher for Format == Bzip2
	sizeBytes int64
	pos       int64
	cancelled atomic.Bool

	newlineChar   byte
	newlines      []newlineEntry // cumulative, sorted by decoded offset
	totalNewlines int64

	verifyRunning      *crc32x.Digest
	verifyNextExpected int64
	verifyFailed       atomic.Bool
	crcOverrides       map[int64]uint32 // gzip-footer byte offset -> override CRC
}

type newlineEntry struct {
	DecodedOffset int64 // subchunk start
	Cumulative    int64 // newline count up to (not including) this subchunk
}

// DefaultChunkConfig returns the chunk decoder's default limits
// (no splitting, a 256 MiB out-of-memory guard per chunk), for callers
// that want to override just one field via Options.ChunkConfig.
func DefaultChunkConfig() chunkdecoder.Config { return chunkdecoder.DefaultConfig() }

// toChunkFormat maps a sniffed container format onto chunkdecoder's
// narrower enum. Bzip2 never reaches here: NewParallelReader diverts it
// to bzip2fetcher before toChunkFormat is ever called, since bzip2's
// block-independent design shares none of chunkdecoder's marker/window
// machinery.
func toChunkFormat(f Format) chunkdecoder.Format {
	switch f {
	case Zlib:
		return chunkdecoder.Zlib
	case RawDeflate:
		return chunkdecoder.RawDeflate
	default: // Gzip, BGZF: BGZF is a gzip container at the chunk-decode level
		return chunkdecoder.Gzip
	}
}

// NewParallelReader constructs a reader over ra (a seekable, positional
// source, shared safely across worker goroutines since reads never
// mutate shared state beyond the source's own internal buffering).
func NewParallelReader(ra io.ReaderAt, sizeBytes int64, opts Options) (*ParallelReader, error) {
	if opts.Format == Bzip2 {
		return newBzip2Reader(ra, sizeBytes, opts)
	}

	if opts.ChunkConfig == (chunkdecoder.Config{}) {
		opts.ChunkConfig = chunkdecoder.DefaultConfig()
	}
	opts.ChunkConfig.Format = toChunkFormat(opts.Format)

	// Bound the caller's reader to [0, sizeBytes) rather than trusting
	// callers to pass one already clamped; Section collapses nested
	// *io.SectionReaders too.
	bounded := sectionreader.Section(ra, 0, sizeBytes)
	src := bitstream.New(bounded, sizeBytes)
	fetcherOpts := chunkfetcher.Options{
		Parallelism:      opts.Parallelism,
		PartitionBits:    opts.PartitionBits,
		CacheBudgetBytes: opts.CacheBudgetBytes,
	}
	// blockfinder.IsBGZF is the authoritative check isBGZFHeader's 16-byte
	// peek only approximates: confirmed here, the fast path replaces
	// speculative block-finder search entirely for this source.
	if opts.Format == BGZF && blockfinder.IsBGZF(bounded, sizeBytes) {
		fetcherOpts.BGZFSource = bounded
		fetcherOpts.BGZFSourceSize = sizeBytes
	}
	fetcher, err := chunkfetcher.New(src, opts.ChunkConfig, fetcherOpts)
	if err != nil {
		return nil, err
	}

	pr := &ParallelReader{
		src:           src,
		raw:           bounded,
		format:        opts.ChunkConfig.Format,
		fetcher:       fetcher,
		sizeBytes:     sizeBytes,
		newlineChar:   opts.NewlineChar,
		verifyRunning: crc32x.New(),
		crcOverrides:  make(map[int64]uint32),
	}
	if opts.NewlineChar != 0 {
		fetcher.AddChunkIndexingCallback(pr.onChunkIndexed)
	}
	return pr, nil
}

// newBzip2Reader is NewParallelReader's bzip2 branch: it reads just the
// 4-byte "BZh"+digit file header directly (bzip2 has no window/marker
// machinery for chunkdecoder to share), then drives decoding through
// bzip2fetcher instead of chunkfetcher.
func newBzip2Reader(ra io.ReaderAt, sizeBytes int64, opts Options) (*ParallelReader, error) {
	var hdr [4]byte
	if _, err := ra.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("pgzdx: reading bzip2 header: %w", err)
	}
	if hdr[0] != 'B' || hdr[1] != 'Z' || hdr[2] != 'h' || hdr[3] < '1' || hdr[3] > '9' {
		return nil, errors.New("pgzdx: not a bzip2 stream")
	}

	bounded := sectionreader.Section(ra, 0, sizeBytes)
	src := bitstream.New(bounded, sizeBytes)
	bz := bzip2fetcher.New(src, hdr[3], sizeBytes*8, bzip2fetcher.Options{Parallelism: opts.Parallelism})

	pr := &ParallelReader{
		src:           src,
		raw:           bounded,
		bz:            bz,
		sizeBytes:     sizeBytes,
		newlineChar:   opts.NewlineChar,
		verifyRunning: crc32x.New(),
		crcOverrides:  make(map[int64]uint32),
	}
	return pr, nil
}

// onChunkIndexed runs on the fetcher's orchestrating path immediately
// after a chunk's BlockMap/WindowMap entries are published: it
// integrates the chunk's newline count into the cumulative table.
// Scanning here, rather than during Read, keeps lookups O(log n) later.
func (pr *ParallelReader) onChunkIndexed(cd *chunkdecoder.ChunkData, endWindow []byte) {
	if pr.newlineChar == 0 {
		return
	}
	base := int64(0)
	if n := len(pr.newlines); n > 0 {
		base = pr.newlines[n-1].Cumulative
	}
	start := 0
	for _, sc := range cd.Subchunks {
		pr.newlines = append(pr.newlines, newlineEntry{DecodedOffset: sc.DecodedOffset, Cumulative: base})
		for _, s := range cd.Output[start:sc.DecodedOffset+sc.DecodedSize-subchunkBase(cd)] {
			if s.IsLiteral() && s.Byte() == pr.newlineChar {
				base++
			}
		}
		start = int(sc.DecodedOffset + sc.DecodedSize - subchunkBase(cd))
	}
	pr.totalNewlines = base
}

// NewlineCount returns the number of occurrences of NewlineChar counted
// across every chunk indexed so far -- meaningful once a full read has
// been driven to EOF, the way the CLI's --count-lines flag uses it.
func (pr *ParallelReader) NewlineCount() int64 { return pr.totalNewlines }

// BlockCount returns the number of decoded blocks BlockMap currently
// holds, for --analyze reporting.
func (pr *ParallelReader) BlockCount() int {
	if pr.bz != nil {
		return len(pr.bz.BlockMap().All())
	}
	return len(pr.fetcher.BlockMap().All())
}

func subchunkBase(cd *chunkdecoder.ChunkData) int64 {
	if len(cd.Subchunks) == 0 {
		return 0
	}
	return cd.Subchunks[0].DecodedOffset
}

// Read implements io.Reader over the decoded byte stream.
func (pr *ParallelReader) Read(p []byte) (int, error) {
	if pr.cancelled.Load() {
		return 0, errCancelled
	}
	if len(p) == 0 {
		return 0, nil
	}

	if pr.bz != nil {
		chunkStart, out, err := pr.bz.Get(pr.pos)
		if err != nil {
			if errors.Is(err, dcode.New(dcode.EndOfFile)) {
				return 0, io.EOF
			}
			return 0, err
		}
		off := int(pr.pos - chunkStart)
		n := copy(p, out[off:])
		pr.pos += int64(n)
		return n, nil
	}

	chunkStart, cd, err := pr.fetcher.Get(pr.pos)
	if err != nil {
		if errors.Is(err, dcode.New(dcode.EndOfFile)) {
			return 0, io.EOF
		}
		return 0, err
	}
	pr.verifyChunk(chunkStart, cd)

	off := int(pr.pos - chunkStart)
	n := copy(p, bytesOfOutput(cd.Output[off:]))
	pr.pos += int64(n)
	return n, nil
}

// bytesOfOutput renders a run of resolved symbols as plain bytes. By
// the time ParallelReader sees a ChunkData, ChunkFetcher has already
// resolved every marker, so this is just a byte-for-byte cast.
func bytesOfOutput(syms []markers.Symbol) []byte {
	b := make([]byte, len(syms))
	for i, s := range syms {
		b[i] = s.Byte()
	}
	return b
}

// Seek implements io.Seeker. Whence=end requires the stream to already
// be finalized (BlockMap closed), since the decoded size is only known
// once the whole stream has been scanned at least once.
func (pr *ParallelReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += pr.pos
	case io.SeekEnd:
		sz, ok := pr.Size()
		if !ok {
			return 0, errors.New("pgzdx: Seek from end requires a finalized size; drive a full read or import an index first")
		}
		offset += sz
	default:
		return 0, errWhence
	}
	if offset < 0 {
		return 0, errOffset
	}
	pr.pos = offset
	return offset, nil
}

// Size returns the decompressed size, and whether it is yet known
// (BlockMap is finalized only once decoding has reached true EOF, or an
// index was imported).
func (pr *ParallelReader) Size() (int64, bool) {
	if pr.bz != nil {
		return pr.bz.BlockMap().Size()
	}
	return pr.fetcher.BlockMap().Size()
}

// TellCompressed returns a best-effort encoded bit position
// corresponding to the current decoded read position: the start of the
// chunk covering it, since that is the nearest confirmed anchor.
func (pr *ParallelReader) TellCompressed() (int64, error) {
	if pr.bz != nil {
		if _, _, err := pr.bz.Get(pr.pos); err != nil {
			return 0, err
		}
		e, ok := pr.bz.BlockMap().FindDataOffset(pr.pos)
		if !ok {
			return 0, errors.New("pgzdx: no block at current position")
		}
		return e.EncodedOffset, nil
	}
	_, cd, err := pr.fetcher.Get(pr.pos)
	if err != nil {
		return 0, err
	}
	return cd.EncodedOffsetInBits, nil
}

// Cancel sets this reader's cancellation flag and its fetcher's: later
// Reads fail with errCancelled and no further decode tasks are
// submitted. Decode tasks already running do not poll the flag; they
// run to completion.
func (pr *ParallelReader) Cancel() {
	pr.cancelled.Store(true)
	if pr.bz != nil {
		pr.bz.Cancel()
		return
	}
	pr.fetcher.Cancel()
}

// SetCRCOverride trusts a caller-supplied CRC32 for the gzip stream
// ending at byteOffset instead of comparing against that stream's own
// footer -- for inputs whose footer is known to be wrong for reasons
// external to decoding.
func (pr *ParallelReader) SetCRCOverride(byteOffset int64, crc uint32) {
	pr.crcOverrides[byteOffset] = crc
}

// verifyChunk folds a chunk's bytes into the running CRC32 accumulator:
// only chunks consumed in strict order contribute, since the running
// accumulator assumes no gaps.
func (pr *ParallelReader) verifyChunk(chunkStart int64, cd *chunkdecoder.ChunkData) {
	if cd.DecodedSizeInBytes == 0 {
		return
	}
	meta, ok := pr.fetcher.MetaFor(chunkStart)
	if !ok {
		return
	}
	// Only chunks consumed in strict encoded order contribute: the
	// running accumulator has no way to skip a gap.
	if meta.EncodedOffsetInBits != pr.verifyNextExpected {
		return
	}
	if len(meta.CRCs) == 0 {
		return
	}
	pr.verifyRunning = crc32x.NewFrom(crc32x.Combine(pr.verifyRunning.Sum32(), meta.CRCs[0], firstSegmentLen(meta)))
	for i, f := range meta.Footers {
		want := f.CRC32
		if override, ok := pr.crcOverrides[f.Boundary.EncodedOffsetBits/8]; ok {
			want = override
		}
		if pr.verifyRunning.Sum32() != want {
			pr.verifyFailed.Store(true)
		}
		next := uint32(0)
		if i+1 < len(meta.CRCs) {
			next = meta.CRCs[i+1]
		}
		pr.verifyRunning = crc32x.NewFrom(next)
	}
	pr.verifyNextExpected = meta.EncodedOffsetInBits + meta.EncodedSizeInBits
}

func firstSegmentLen(meta *chunkfetcher.Meta) int64 {
	if len(meta.Footers) > 0 {
		return meta.Footers[0].Boundary.DecodedOffset
	}
	return meta.DecodedSizeInBytes
}

// VerifyAll drives a full sequential read of the stream purely to
// exercise CRC32 verification, discarding the bytes -- the programmatic
// equivalent of the CLI's --verify flag. ctx is checked between chunks
// so a caller can bound how long a full-archive scan may run.
func (pr *ParallelReader) VerifyAll(ctx context.Context) error {
	buf := make([]byte, 1<<20)
	saved := pr.pos
	pr.pos = 0
	pr.verifyNextExpected = 0
	pr.verifyRunning = crc32x.New()
	defer func() { pr.pos = saved }()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := pr.Read(buf)
		if pr.bz == nil && pr.verifyFailed.Load() {
			return dcode.New(dcode.CRC32Mismatch)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	// bzip2 has no per-chunk footer to compare against mid-stream: its
	// own combined-CRC footer only exists once, at the very end, so the
	// check happens here instead of inside verifyChunk.
	if pr.bz != nil {
		if want, ok := pr.bz.FooterCRC(); ok && pr.bz.CombinedCRC() != want {
			return dcode.New(dcode.CRC32Mismatch)
		}
	}
	return nil
}

// ExportIndex writes the reader's BlockMap as an on-disk checkpoint
// index in the requested format. Format B requires a BGZF source (every
// checkpoint must land on a byte boundary).
func (pr *ParallelReader) ExportIndex(w io.Writer, format IndexFormat) error {
	if pr.bz != nil {
		return errors.New("pgzdx: index export is not supported for bzip2 streams")
	}
	entries := pr.fetcher.BlockMap().All()
	idx := &index.Index{CompressedSize: pr.sizeBytes}
	if sz, ok := pr.Size(); ok {
		idx.UncompressedSize = sz
	}
	for i, e := range entries {
		cp := index.Checkpoint{
			CompressedOffsetInBits: e.EncodedOffset,
			UncompressedOffset:     e.DecodedOffset,
		}
		// Format A (indexed_gzip-compatible) embeds a window per
		// checkpoint so a later import can resume decoding without a
		// full sequential pass; Format B checkpoints are BGZF member
		// starts, which carry no back-reference history at all.
		if format == IndexFormatA && i != 0 {
			if h, ok := pr.fetcher.WindowAt(e.EncodedOffset); ok {
				if raw, err := h.Decompress(); err == nil {
					cp.Window = raw
				}
			}
		}
		idx.Checkpoints = append(idx.Checkpoints, cp)
	}
	switch format {
	case IndexFormatA:
		return index.WriteFormatA(w, idx)
	case IndexFormatB:
		return index.WriteFormatB(w, idx)
	default:
		return errors.New("pgzdx: unknown index format")
	}
}

// ImportIndex loads checkpoints from an on-disk index and seeds
// BlockMap with them directly, skipping block-finder search entirely
// for the covered range.
func (pr *ParallelReader) ImportIndex(r io.Reader, format IndexFormat) error {
	if pr.bz != nil {
		return errors.New("pgzdx: index import is not supported for bzip2 streams")
	}
	var idx *index.Index
	var err error
	switch format {
	case IndexFormatA:
		idx, err = index.ReadFormatA(r)
	case IndexFormatB:
		idx, err = index.ReadFormatB(r, pr.raw, pr.sizeBytes)
	default:
		return errors.New("pgzdx: unknown index format")
	}
	if err != nil {
		return err
	}

	entries := make([]blockmap.Entry, 0, len(idx.Checkpoints))
	for i, cp := range idx.Checkpoints {
		decodedSize := int64(0)
		encodedSize := int64(0)
		if i+1 < len(idx.Checkpoints) {
			decodedSize = idx.Checkpoints[i+1].UncompressedOffset - cp.UncompressedOffset
			encodedSize = idx.Checkpoints[i+1].CompressedOffsetInBits - cp.CompressedOffsetInBits
		} else {
			decodedSize = idx.UncompressedSize - cp.UncompressedOffset
			if idx.CompressedSize > 0 {
				encodedSize = idx.CompressedSize*8 - cp.CompressedOffsetInBits
			}
		}
		entries = append(entries, blockmap.Entry{
			EncodedOffset: cp.CompressedOffsetInBits,
			EncodedSize:   encodedSize,
			DecodedOffset: cp.UncompressedOffset,
			DecodedSize:   decodedSize,
		})
		if len(cp.Window) == windowmap.WindowSize {
			pr.fetcher.SeedWindow(cp.CompressedOffsetInBits, append([]byte(nil), cp.Window...))
		}
	}
	pr.fetcher.BlockMap().SetBlockOffsets(entries)
	if idx.UncompressedSize > 0 {
		pr.fetcher.BlockMap().Finalize()
	}
	slog.Info("imported index", "format", format, "checkpoints", len(idx.Checkpoints))
	return nil
}

// IndexFormat selects which on-disk checkpoint layout to read/write.
type IndexFormat int

const (
	IndexFormatA IndexFormat = iota // indexed_gzip-compatible "GZIDX"
	IndexFormatB                    // BGZF .gzi-compatible
)
