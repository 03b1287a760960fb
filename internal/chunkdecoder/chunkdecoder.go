// Package chunkdecoder decodes one chunk of a compressed stream -- a
// bit range [startBit, endBit) -- into a ChunkData: decoded bytes
// (possibly still carrying unresolved markers), deflate block
// boundaries, gzip/zlib stream footers, subchunk splits, and a running
// CRC32 accumulator per gzip stream crossed.
//
// The three decode paths the design calls for (exact library-wrapper,
// inexact marker-mode, upgrade-to-library) collapse into one code path
// here: flate.Decoder already represents "window known" and "window
// unknown" uniformly via markers.Symbol, and its SetInitialWindow
// resolves in place the moment enough clean trailing history has
// accumulated. So DecodeChunk always runs the same loop; it simply
// calls SetInitialWindow early (the "exact path") when the caller
// supplies a window up front, or as soon as the trailing windowSize
// bytes of decoded output are marker-free (the "upgrade" path),
// whichever comes first.
package chunkdecoder

import (
	"io"

	"github.com/elliotnunn/pgzdx/internal/bitstream"
	"github.com/elliotnunn/pgzdx/internal/blockfinder"
	"github.com/elliotnunn/pgzdx/internal/crc32x"
	"github.com/elliotnunn/pgzdx/internal/dcode"
	"github.com/elliotnunn/pgzdx/internal/flate"
	"github.com/elliotnunn/pgzdx/internal/markers"
)

const windowSize = 1 << 15

// Format identifies the container wrapping the deflate stream.
type Format int

const (
	Gzip Format = iota
	Zlib
	RawDeflate
)

// BlockBoundary records one deflate end-of-block crossed while decoding.
type BlockBoundary struct {
	EncodedOffsetBits int64
	DecodedOffset     int64
}

// Footer is one gzip/zlib stream trailer crossed mid-chunk.
type Footer struct {
	Boundary BlockBoundary
	IsZlib   bool
	CRC32    uint32 // gzip only
	Size     uint32 // gzip only, mod 2^32
	Adler32  uint32 // zlib only
}

// Subchunk is a portion of a chunk bounded by deflate block boundaries.
type Subchunk struct {
	EncodedOffsetBits int64
	EncodedSizeBits   int64
	DecodedOffset     int64
	DecodedSize       int64
	Window            []byte // nil if not computed
}

// ChunkData is the output of decoding one chunk.
type ChunkData struct {
	EncodedOffsetInBits    int64
	MaxEncodedOffsetInBits int64 // candidate range upper bound; collapses to EncodedOffsetInBits once confirmed
	EncodedSizeInBits      int64
	DecodedSizeInBytes     int64
	Output                 []markers.Symbol
	Boundaries             []BlockBoundary
	Footers                []Footer
	Subchunks              []Subchunk
	CRCs                   []*crc32x.Digest // len == len(Footers)+1
	WindowResolved         bool
	StoppedPreemptively    bool
}

// Config carries the per-chunk decoder options of ChunkFetcher's
// setChunkConfiguration.
type Config struct {
	Format                   Format
	SplitChunkSize           int64
	MinimumSplitChunkSize    int64
	MaxDecompressedChunkSize int64

	// SparseWindows enables WindowMap's compact representation for a
	// published window whose leading bytes are known zero padding
	// (a gzip/zlib stream that started less than one window's worth of
	// bytes before the chunk boundary): only the genuine trailing history
	// is stored, alongside a mask recording which positions are real.
	SparseWindows bool
}

// DefaultConfig matches the design's defaults: no splitting, a 256 MiB
// out-of-memory guard per chunk.
func DefaultConfig() Config {
	return Config{
		Format:                   Gzip,
		SplitChunkSize:           1 << 62,
		MinimumSplitChunkSize:    0,
		MaxDecompressedChunkSize: 256 << 20,
	}
}

// DecodeChunk decodes [startBit, endBit) of src. initialWindow, if
// non-nil, must be exactly windowSize bytes and is the known history
// immediately preceding startBit; nil means the history is unknown and
// the chunk starts in marker mode.
func DecodeChunk(src bitstream.Reader, startBit, endBit int64, initialWindow []byte, cfg Config) (*ChunkData, error) {
	if initialWindow != nil && len(initialWindow) != windowSize {
		panic("chunkdecoder: initialWindow must be exactly windowSize bytes")
	}

	br := src.Clone()
	if err := br.SeekToBit(startBit); err != nil {
		return nil, err
	}

	cd := &ChunkData{
		EncodedOffsetInBits:    startBit,
		MaxEncodedOffsetInBits: startBit,
	}
	cur := crc32x.New()
	cd.CRCs = append(cd.CRCs, cur)
	crcCaughtUpTo := 0 // index into cd.Output already folded into cur

	var d *flate.Decoder
	if initialWindow != nil {
		d = flate.NewDecoderWithWindow(initialWindow)
		cd.WindowResolved = true
	} else {
		d = flate.NewDecoder()
	}
	base := 0 // cd.Output length as of the start of the current inner decoder

	// A chunk starting on a stream start (bit 0, or a gzip member such as
	// a BGZF member) begins with a container header, and has no history.
	if cfg.Format != RawDeflate && startBit%8 == 0 {
		if magic, err := br.Peek(16); err == nil && (startBit == 0 || (cfg.Format == Gzip && magic == 0x8b1f)) {
			if err := parseContainerHeader(br, cfg.Format); err != nil {
				return nil, err
			}
			d = flate.NewDecoderWithWindow(make([]byte, windowSize))
			cd.WindowResolved = true
		}
	}

	var subStartDecoded int64
	subStartBits := startBit

	closeSubchunk := func(endBits int64) {
		cd.Subchunks = append(cd.Subchunks, Subchunk{
			EncodedOffsetBits: subStartBits,
			EncodedSizeBits:   endBits - subStartBits,
			DecodedOffset:     subStartDecoded,
			DecodedSize:       int64(len(cd.Output)) - subStartDecoded,
		})
		subStartDecoded = int64(len(cd.Output))
		subStartBits = endBits
	}

	sync := func() { cd.Output = append(cd.Output[:base], d.Output()...) }

	stoppedPreemptively := false

outer:
	for {
		if err := d.ReadHeader(br); err != nil {
			return nil, err
		}

		for {
			remaining := cfg.MaxDecompressedChunkSize - int64(base) - int64(len(d.Output()))
			batch := 1 << 12
			if remaining <= 0 {
				stoppedPreemptively = true
				break outer
			}
			if int64(batch) > remaining {
				batch = int(remaining)
			}
			eob, err := d.ReadBlock(br, batch)
			if err != nil {
				return nil, err
			}
			if eob {
				break
			}
		}

		sync()
		boundaryBits := br.Tell()
		cd.Boundaries = append(cd.Boundaries, BlockBoundary{EncodedOffsetBits: boundaryBits, DecodedOffset: int64(len(cd.Output))})

		if !cd.WindowResolved && len(cd.Output) >= windowSize {
			tail := cd.Output[len(cd.Output)-windowSize:]
			if allLiteral(tail) {
				window := make([]byte, windowSize)
				for i, s := range tail {
					window[i] = s.Byte()
				}
				d.SetInitialWindow(window)
				cd.WindowResolved = true
				sync()
			}
		}

		if cfg.SplitChunkSize > 0 && int64(len(cd.Output))-subStartDecoded >= cfg.SplitChunkSize {
			closeSubchunk(boundaryBits)
		}

		if d.IsLastBlock() {
			if cfg.Format != RawDeflate {
				f, err := readContainerFooter(br, cfg.Format)
				if err != nil {
					return nil, err
				}
				f.Boundary = BlockBoundary{EncodedOffsetBits: br.Tell(), DecodedOffset: int64(len(cd.Output))}
				cd.Footers = append(cd.Footers, f)

				writeLiterals(cur, cd.Output[crcCaughtUpTo:])
				crcCaughtUpTo = len(cd.Output)
				cur = crc32x.New()
				cd.CRCs = append(cd.CRCs, cur)
			}

			if br.Tell() >= endBit {
				break
			}

			if cfg.Format != RawDeflate {
				if err := parseContainerHeader(br, cfg.Format); err != nil {
					break
				}
				base = len(cd.Output)
				d = flate.NewDecoder()
				d.SetInitialWindow(make([]byte, windowSize))
				cd.WindowResolved = true
			}
			continue
		}

		if br.Tell() >= endBit && d.CompressionType() != flate.FixedHuffman {
			break
		}
	}

	writeLiterals(cur, cd.Output[crcCaughtUpTo:])

	cd.DecodedSizeInBytes = int64(len(cd.Output))
	cd.EncodedSizeInBits = br.Tell() - startBit
	cd.StoppedPreemptively = stoppedPreemptively
	closeSubchunk(br.Tell())

	if cfg.MinimumSplitChunkSize > 0 && len(cd.Subchunks) > 1 {
		last := cd.Subchunks[len(cd.Subchunks)-1]
		if last.DecodedSize < cfg.MinimumSplitChunkSize {
			prev := &cd.Subchunks[len(cd.Subchunks)-2]
			prev.DecodedSize += last.DecodedSize
			prev.EncodedSizeBits += last.EncodedSizeBits
			cd.Subchunks = cd.Subchunks[:len(cd.Subchunks)-1]
		}
	}

	return cd, nil
}

// DecodeFromGuess retries DecodeChunk across blockfinder candidates in
// [startBit, endBit) when startBit is only a speculative offset, per
// ChunkDecoder's "guessed offset" contract. It returns NO_BLOCK_IN_RANGE
// once the finder is exhausted.
func DecodeFromGuess(src bitstream.Reader, startBit, endBit int64, initialWindow []byte, cfg Config) (*ChunkData, error) {
	if cd, err := DecodeChunk(src, startBit, endBit, initialWindow, cfg); err == nil {
		return cd, nil
	}

	finder := blockfinder.New(src)
	cursor := startBit
	for {
		cand, ok := finder.NextCandidate(cursor, endBit)
		if !ok {
			return nil, dcode.New(dcode.NoBlockInRange)
		}
		if cd, err := DecodeChunk(src, cand.BitOffset, endBit, nil, cfg); err == nil {
			return cd, nil
		}
		cursor = cand.BitOffset + 1
	}
}

func writeLiterals(d *crc32x.Digest, syms []markers.Symbol) {
	for _, s := range syms {
		if s.IsLiteral() {
			b := s.Byte()
			d.Write([]byte{b})
		}
	}
}

func allLiteral(syms []markers.Symbol) bool {
	for _, s := range syms {
		if !s.IsLiteral() {
			return false
		}
	}
	return true
}

func parseContainerHeader(br bitstream.Reader, f Format) error {
	switch f {
	case Gzip:
		return parseGzipHeader(br)
	case Zlib:
		return parseZlibHeader(br)
	default:
		return nil
	}
}

func readContainerFooter(br bitstream.Reader, f Format) (Footer, error) {
	switch f {
	case Gzip:
		crc, size, err := readGzipFooter(br)
		if err != nil {
			return Footer{}, err
		}
		return Footer{CRC32: crc, Size: size}, nil
	case Zlib:
		a, err := readZlibFooter(br)
		if err != nil {
			return Footer{}, err
		}
		return Footer{IsZlib: true, Adler32: a}, nil
	default:
		return Footer{}, nil
	}
}

func alignByte(br bitstream.Reader) error {
	if off := br.Tell() & 7; off != 0 {
		if _, err := br.Read(uint(8 - off)); err != nil {
			return err
		}
	}
	return nil
}

func readByte(br bitstream.Reader) (byte, error) {
	v, err := br.Read(8)
	return byte(v), err
}

func readU16LE(br bitstream.Reader) (uint16, error) {
	lo, err := readByte(br)
	if err != nil {
		return 0, err
	}
	hi, err := readByte(br)
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

func readU32LE(br bitstream.Reader) (uint32, error) {
	lo, err := readU16LE(br)
	if err != nil {
		return 0, err
	}
	hi, err := readU16LE(br)
	if err != nil {
		return 0, err
	}
	return uint32(lo) | uint32(hi)<<16, nil
}

func parseGzipHeader(br bitstream.Reader) error {
	if err := alignByte(br); err != nil {
		return err
	}
	m1, err := readByte(br)
	if err != nil {
		if err == io.EOF {
			return dcode.New(dcode.EndOfFile)
		}
		return err
	}
	m2, err := readByte(br)
	if err != nil {
		return dcode.New(dcode.IncompleteGzipHeader)
	}
	if m1 != 0x1f || m2 != 0x8b {
		return dcode.New(dcode.InvalidGzipHeader)
	}
	cm, err := readByte(br)
	if err != nil || cm != 8 {
		return dcode.New(dcode.InvalidGzipHeader)
	}
	flg, err := readByte(br)
	if err != nil {
		return dcode.New(dcode.IncompleteGzipHeader)
	}
	for i := 0; i < 6; i++ { // MTIME(4) + XFL(1) + OS(1)
		if _, err := readByte(br); err != nil {
			return dcode.New(dcode.IncompleteGzipHeader)
		}
	}
	if flg&0x04 != 0 { // FEXTRA
		xlen, err := readU16LE(br)
		if err != nil {
			return dcode.New(dcode.IncompleteGzipHeader)
		}
		for i := 0; i < int(xlen); i++ {
			if _, err := readByte(br); err != nil {
				return dcode.New(dcode.IncompleteGzipHeader)
			}
		}
	}
	if flg&0x08 != 0 { // FNAME
		if err := readCString(br); err != nil {
			return err
		}
	}
	if flg&0x10 != 0 { // FCOMMENT
		if err := readCString(br); err != nil {
			return err
		}
	}
	if flg&0x02 != 0 { // FHCRC
		if _, err := readU16LE(br); err != nil {
			return dcode.New(dcode.IncompleteGzipHeader)
		}
	}
	return nil
}

func readCString(br bitstream.Reader) error {
	for {
		b, err := readByte(br)
		if err != nil {
			return dcode.New(dcode.IncompleteGzipHeader)
		}
		if b == 0 {
			return nil
		}
	}
}

func readGzipFooter(br bitstream.Reader) (crc, size uint32, err error) {
	if err = alignByte(br); err != nil {
		return
	}
	crc, err = readU32LE(br)
	if err != nil {
		return
	}
	size, err = readU32LE(br)
	return
}

func parseZlibHeader(br bitstream.Reader) error {
	cmf, err := readByte(br)
	if err != nil {
		return dcode.New(dcode.IncompleteGzipHeader)
	}
	flg, err := readByte(br)
	if err != nil {
		return dcode.New(dcode.IncompleteGzipHeader)
	}
	if (uint16(cmf)<<8|uint16(flg))%31 != 0 {
		return dcode.New(dcode.InvalidGzipHeader)
	}
	if cmf&0x0f != 8 {
		return dcode.New(dcode.InvalidCompression)
	}
	if flg&0x20 != 0 {
		return dcode.New(dcode.InvalidGzipHeader) // preset dictionaries are a non-goal
	}
	return nil
}

func readZlibFooter(br bitstream.Reader) (uint32, error) {
	if err := alignByte(br); err != nil {
		return 0, err
	}
	return readU32LE(br)
}
