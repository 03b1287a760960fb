// Package bzip2fetcher is the bzip2 companion to chunkfetcher: it walks
// a bzip2 stream's block-magic boundaries, dispatches DecodeBlock across
// a bounded worker pool, and folds each block's CRC into the stream's
// running checksum in strict block order. Simplified throughout by
// bzip2's block independence -- no window ever carries across a block
// boundary, so there is no WindowMap and no marker-resolution step here,
// just BlockMap plus a one-block decode cache.
package bzip2fetcher

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/elliotnunn/pgzdx/internal/bitstream"
	"github.com/elliotnunn/pgzdx/internal/blockmap"
	"github.com/elliotnunn/pgzdx/internal/bzip2chunk"
	"github.com/elliotnunn/pgzdx/internal/dcode"
)

// headerBits is the fixed "BZh" + block-size-digit file header every
// bzip2 stream starts with, before the first block magic.
const headerBits = 4 * 8

// eosMagicBits is the width of the end-of-stream magic bzip2chunk.FindBlock
// locates; the stream's combined CRC immediately follows it as 32 bits.
const eosMagicBits = 48

// readFooterCRC reads the 32-bit combined CRC that follows the EOS
// magic located at eosBit.
func readFooterCRC(src bitstream.Reader, eosBit int64) (uint32, error) {
	br := src.Clone()
	if err := br.SeekToBit(eosBit + eosMagicBits); err != nil {
		return 0, err
	}
	return br.Read(32)
}

type future struct {
	done chan struct{}
	cd   *bzip2chunk.ChunkData
	err  error
}

// Options configures a new Fetcher.
type Options struct {
	Parallelism int // 0 => 4
}

// Fetcher drives parallel bzip2 block decoding forward on demand.
type Fetcher struct {
	src           bitstream.Reader
	blockSize100k byte
	sizeBits      int64
	parallelism   int

	mu             sync.Mutex
	blockMap       *blockmap.Map
	cursor         int64 // next bit offset to resume the block-magic scan from
	futures        []*future
	eof            bool
	running        uint32 // combined stream CRC, bzip2's rolling formula
	lastOff        int64
	lastBytes      []byte // single-entry decode cache: avoids redecoding a block every Read call
	footerCRC      uint32 // the stream's own trailing combined-CRC, once the EOS magic is reached
	footerCRCKnown bool

	cancelled atomic.Bool
	sem       chan struct{}
}

// New constructs a Fetcher over src, which holds a complete bzip2
// stream of sizeBits bits starting with the "BZh"+digit file header.
// blockSize100k is that header's block-size digit ('1'..'9').
func New(src bitstream.Reader, blockSize100k byte, sizeBits int64, opts Options) *Fetcher {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	return &Fetcher{
		src:           src,
		blockSize100k: blockSize100k,
		sizeBits:      sizeBits,
		parallelism:   opts.Parallelism,
		blockMap:      blockmap.New(),
		cursor:        headerBits,
		lastOff:       -1,
		sem:           make(chan struct{}, opts.Parallelism),
	}
}

// BlockMap exposes the fetcher's decoded-offset index, for
// ParallelReader's size/seek bookkeeping.
func (f *Fetcher) BlockMap() *blockmap.Map { return f.blockMap }

// CombinedCRC returns the rolling combined CRC of every block folded in
// so far, in strict block order.
func (f *Fetcher) CombinedCRC() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// FooterCRC returns the stream's own trailing combined-CRC value and
// whether it has been reached yet (only once the block scan has walked
// as far as the EOS magic).
func (f *Fetcher) FooterCRC() (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.footerCRC, f.footerCRCKnown
}

// Cancel stops further decode tasks from being launched. In-flight
// decodes are allowed to finish; Get calls made after Cancel return an
// error once no more cached blocks remain.
func (f *Fetcher) Cancel() {
	f.cancelled.Store(true)
}

// Get returns the decoded bytes of the block containing decodedOffset,
// driving the block scan forward as needed.
func (f *Fetcher) Get(decodedOffset int64) (chunkDecodedOffset int64, out []byte, err error) {
	for {
		f.mu.Lock()
		if e, ok := f.blockMap.FindDataOffset(decodedOffset); ok {
			if f.lastOff == e.EncodedOffset {
				out := f.lastBytes
				f.mu.Unlock()
				return e.DecodedOffset, out, nil
			}
			f.mu.Unlock()
			cd, err := bzip2chunk.DecodeBlock(f.src, e.EncodedOffset, f.blockSize100k, f.sizeBits)
			if err != nil {
				return 0, nil, err
			}
			f.mu.Lock()
			f.lastOff, f.lastBytes = cd.EncodedOffsetInBits, cd.Output
			f.mu.Unlock()
			return e.DecodedOffset, cd.Output, nil
		}
		if f.eof {
			f.mu.Unlock()
			return 0, nil, dcode.New(dcode.EndOfFile)
		}
		f.mu.Unlock()

		if done, err := f.processNext(); err != nil {
			return 0, nil, err
		} else if !done {
			return 0, nil, dcode.New(dcode.EndOfFile)
		}
	}
}

// processNext submits/awaits the next block's decode, appends it to
// BlockMap, and folds its CRC into the running combined checksum.
func (f *Fetcher) processNext() (bool, error) {
	f.mu.Lock()
	f.fillPrefetchLocked()
	if len(f.futures) == 0 {
		f.eof = true
		f.blockMap.Finalize()
		f.mu.Unlock()
		return false, nil
	}
	fut := f.futures[0]
	f.futures = f.futures[1:]
	f.mu.Unlock()

	<-fut.done
	if fut.err != nil {
		if errors.Is(fut.err, dcode.New(dcode.NoBlockInRange)) || errors.Is(fut.err, dcode.New(dcode.EndOfFile)) {
			f.mu.Lock()
			f.eof = true
			f.blockMap.Finalize()
			f.mu.Unlock()
			return false, nil
		}
		return false, fut.err
	}
	cd := fut.cd

	f.mu.Lock()
	f.blockMap.Push(cd.EncodedOffsetInBits, cd.EncodedSizeInBits, cd.DecodedSizeInBytes)
	f.running = bzip2chunk.CombineCRC(f.running, cd.CRC)
	f.lastOff, f.lastBytes = cd.EncodedOffsetInBits, cd.Output
	f.mu.Unlock()
	return true, nil
}

// fillPrefetchLocked launches decode tasks for upcoming blocks up to
// the configured parallelism. Each block's start is located by a single
// forward scan for its magic -- the same scan DecodeBlock itself runs
// from a block's start to find its end, so the stream's compressed bits
// are each swept across at most twice in total, never spirally
// rescanned. Caller holds f.mu.
func (f *Fetcher) fillPrefetchLocked() {
	if f.cancelled.Load() {
		return
	}
	for len(f.futures) < f.parallelism && !f.eof {
		off, isEOS, ok := bzip2chunk.FindBlock(f.src, f.cursor, f.sizeBits)
		if !ok {
			f.eof = true
			return
		}
		if isEOS {
			f.eof = true
			if crc, err := readFooterCRC(f.src, off); err == nil {
				f.footerCRC, f.footerCRCKnown = crc, true
			}
			return
		}
		f.cursor = off + 1

		fut := &future{done: make(chan struct{})}
		f.futures = append(f.futures, fut)

		src := f.src
		blockSize100k := f.blockSize100k
		limit := f.sizeBits
		go func(off int64) {
			f.sem <- struct{}{}
			defer func() { <-f.sem }()
			cd, err := bzip2chunk.DecodeBlock(src, off, blockSize100k, limit)
			fut.cd, fut.err = cd, err
			close(fut.done)
		}(off)
	}
}
