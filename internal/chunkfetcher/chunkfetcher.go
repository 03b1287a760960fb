// Package chunkfetcher orchestrates parallel chunk decoding: it drives
// BlockFinder and ChunkDecoder across worker goroutines, maintains
// BlockMap and WindowMap, resolves markers once a chunk's preceding
// window is known, and serves ParallelReader. Decode work runs on a
// bounded pool of goroutines returning through futures, while a single
// orchestration path owns BlockMap/WindowMap mutation and the running
// per-chunk bookkeeping -- it never runs decode work itself.
package chunkfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/elliotnunn/pgzdx/internal/bitstream"
	"github.com/elliotnunn/pgzdx/internal/blockfinder"
	"github.com/elliotnunn/pgzdx/internal/blockmap"
	"github.com/elliotnunn/pgzdx/internal/chunkdecoder"
	"github.com/elliotnunn/pgzdx/internal/crc32x"
	"github.com/elliotnunn/pgzdx/internal/dcode"
	"github.com/elliotnunn/pgzdx/internal/decompressioncache"
	"github.com/elliotnunn/pgzdx/internal/markers"
	"github.com/elliotnunn/pgzdx/internal/windowmap"
	"github.com/elliotnunn/pgzdx/internal/windowstore"
)

const windowSize = windowmap.WindowSize

// Callback is invoked once per chunk on the orchestrating goroutine,
// after BlockMap/WindowMap have been updated for it.
type Callback func(cd *chunkdecoder.ChunkData, endWindow []byte)

type future struct {
	done chan struct{}
	cd   *chunkdecoder.ChunkData
	err  error
}

// Fetcher is the ChunkFetcher of the design: it owns BlockMap and
// WindowMap and drives decoding of a single compressed source forward
// on demand.
type Fetcher struct {
	src           bitstream.Reader
	partitionBits int64
	parallelism   int

	mu            sync.Mutex
	cfg           chunkdecoder.Config
	callbacks     []Callback
	blockMap      *blockmap.Map
	windowMap     *windowmap.Map
	nextPartition int64     // next partition start bit not yet submitted to a worker
	futures       []*future // in partition order, oldest first
	eof           bool

	bgzfBlocks []blockfinder.BGZFBlock // precomputed member boundaries for a BGZF source; nil otherwise
	bgzfCursor int                     // index into bgzfBlocks not yet claimed by a submitted partition

	sem       chan struct{}
	cache     *decompressioncache.Cache
	store     *windowstore.Store // optional persistent overflow tier for windowMap
	parentKey map[int64]int64    // subchunk start bit -> owning partition start bit, for split lookups
	meta      map[int64]*Meta    // partition start bit -> small metadata kept regardless of cache eviction

	cancelled atomic.Bool
}

// Meta is the part of a decoded chunk worth retaining even after its
// (potentially large) decoded bytes have been evicted from the cache:
// CRC32 verification and line-offset indexing only need this.
type Meta struct {
	EncodedOffsetInBits int64
	EncodedSizeInBits   int64
	DecodedSizeInBytes  int64
	Footers             []chunkdecoder.Footer
	CRCs                []uint32 // Sum32 of each cd.CRCs entry, post marker-resolution
}

// Options configures a new Fetcher.
type Options struct {
	Parallelism      int    // 0 => runtime.GOMAXPROCS-ish default of 4
	PartitionBits    int64  // default blockfinder.DefaultPartitionBits
	CacheBudgetBytes int    // aggregate decoded-byte budget for the chunk cache
	WindowCacheSize  int    // 0 => default of 1024 resident windows
	WindowStoreDir   string // if set, an optional pebble-backed overflow tier for WindowMap

	// BGZFSource, if non-nil, marks src as a BGZF file: New scans its
	// member boundaries up front with blockfinder.ScanBGZF, and every
	// partition is then carved exactly on those boundaries instead of
	// being guessed at and recovered with a speculative block-finder
	// search. BGZFSourceSize is BGZFSource's total byte length.
	BGZFSource     io.ReaderAt
	BGZFSourceSize int64
}

func New(src bitstream.Reader, cfg chunkdecoder.Config, opts Options) (*Fetcher, error) {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.PartitionBits <= 0 {
		opts.PartitionBits = int64(4<<20) * 8
	}
	if opts.CacheBudgetBytes <= 0 {
		opts.CacheBudgetBytes = 256 << 20
	}
	if opts.WindowCacheSize <= 0 {
		opts.WindowCacheSize = 1024
	}

	cache, err := decompressioncache.New(context.Background(), opts.CacheBudgetBytes)
	if err != nil {
		return nil, err
	}

	var store *windowstore.Store
	wm := windowmap.New(opts.WindowCacheSize)
	if opts.WindowStoreDir != "" {
		store, err = windowstore.Open(opts.WindowStoreDir)
		if err != nil {
			return nil, err
		}
		wm = windowmap.NewWithStore(opts.WindowCacheSize, store)
	}

	var bgzfBlocks []blockfinder.BGZFBlock
	if opts.BGZFSource != nil {
		bgzfBlocks, err = blockfinder.ScanBGZF(opts.BGZFSource, opts.BGZFSourceSize)
		if err != nil {
			return nil, fmt.Errorf("chunkfetcher: scanning BGZF member boundaries: %w", err)
		}
	}

	f := &Fetcher{
		src:           src,
		partitionBits: opts.PartitionBits,
		parallelism:   opts.Parallelism,
		cfg:           cfg,
		blockMap:      blockmap.New(),
		windowMap:     wm,
		sem:           make(chan struct{}, opts.Parallelism),
		cache:         cache,
		store:         store,
		parentKey:     make(map[int64]int64),
		meta:          make(map[int64]*Meta),
		bgzfBlocks:    bgzfBlocks,
	}
	f.windowMap.Insert(0, &windowmap.Window{Empty: true})
	return f, nil
}

// Close releases the persistent window-store tier, if one was opened.
func (f *Fetcher) Close() error {
	if f.store == nil {
		return nil
	}
	return f.store.Close()
}

func (f *Fetcher) SetChunkConfiguration(cfg chunkdecoder.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
}

func (f *Fetcher) AddChunkIndexingCallback(cb Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}

func (f *Fetcher) Cancel() { f.cancelled.Store(true) }

// BlockMap exposes the fetcher's decoded-offset index, for
// ParallelReader's size/seek bookkeeping.
func (f *Fetcher) BlockMap() *blockmap.Map { return f.blockMap }

// WindowAt returns the published window at encodedOffsetBits, if any,
// for ParallelReader.ExportIndex to embed alongside each checkpoint.
func (f *Fetcher) WindowAt(encodedOffsetBits int64) (windowmap.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windowMap.Get(encodedOffsetBits)
}

// SeedWindow publishes a window recovered from an imported index, so a
// later Get for the checkpoint it belongs to can redecode from there
// instead of requiring a window derived from live decoding.
func (f *Fetcher) SeedWindow(encodedOffsetBits int64, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windowMap.Insert(encodedOffsetBits, &windowmap.Window{Compression: windowmap.Raw, Raw: raw})
}

// MetaFor returns the retained metadata for the chunk owning the
// subchunk (or whole chunk) starting at encodedOffsetBits, resolving
// through the split/merge parent-key mapping first.
func (f *Fetcher) MetaFor(encodedOffsetBits int64) (*Meta, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if parent, ok := f.parentKey[encodedOffsetBits]; ok {
		encodedOffsetBits = parent
	}
	m, ok := f.meta[encodedOffsetBits]
	return m, ok
}

// Get returns the chunk containing decodedOffset, driving decoding
// forward as needed. It blocks until that chunk is fully
// post-processed (markers resolved, BlockMap/WindowMap updated).
func (f *Fetcher) Get(decodedOffset int64) (chunkDecodedOffset int64, cd *chunkdecoder.ChunkData, err error) {
	for {
		f.mu.Lock()
		if e, ok := f.blockMap.FindDataOffset(decodedOffset); ok {
			f.mu.Unlock()
			cd, err := f.lookupCachedOrRedecode(e.EncodedOffset, e.EncodedSize)
			if err != nil {
				return 0, nil, err
			}
			return e.DecodedOffset, cd, nil
		}
		if f.eof {
			f.mu.Unlock()
			return 0, nil, dcode.New(dcode.EndOfFile)
		}
		f.mu.Unlock()

		if done, err := f.processNextChunk(); err != nil {
			return 0, nil, err
		} else if !done {
			return 0, nil, dcode.New(dcode.EndOfFile)
		}
	}
}

// processNextChunk submits/awaits the next partition's decode, resolves
// its markers against the already-published preceding window, appends
// its subchunks to BlockMap, publishes the window at its end, and
// invokes callbacks.
func (f *Fetcher) processNextChunk() (bool, error) {
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
	prevHandle, ok := f.windowMap.Get(cd.EncodedOffsetInBits)
	f.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("chunkfetcher: logic error: no window published at bit %d", cd.EncodedOffsetInBits)
	}
	prevWindow, err := prevHandle.Decompress()
	if err != nil {
		return false, err
	}

	resolveMarkers(cd, prevWindow)

	f.mu.Lock()
	sparse := f.cfg.SparseWindows
	f.mu.Unlock()
	endWindow := computeEndWindow(cd, prevWindow, sparse)

	f.mu.Lock()
	for _, sc := range cd.Subchunks {
		f.blockMap.Push(sc.EncodedOffsetBits, sc.EncodedSizeBits, sc.DecodedSize)
	}
	f.windowMap.Insert(cd.EncodedOffsetInBits+cd.EncodedSizeInBits, endWindow)
	if len(cd.Subchunks) > 1 {
		base := cd.EncodedOffsetInBits
		for _, sc := range cd.Subchunks[1:] {
			f.parentKey[sc.EncodedOffsetBits] = base
		}
	}
	f.storeCache(cd)
	crcs := make([]uint32, len(cd.CRCs))
	for i, d := range cd.CRCs {
		crcs[i] = d.Sum32()
	}
	f.meta[cd.EncodedOffsetInBits] = &Meta{
		EncodedOffsetInBits: cd.EncodedOffsetInBits,
		EncodedSizeInBits:   cd.EncodedSizeInBits,
		DecodedSizeInBytes:  cd.DecodedSizeInBytes,
		Footers:             cd.Footers,
		CRCs:                crcs,
	}
	callbacks := append([]Callback(nil), f.callbacks...)
	f.mu.Unlock()

	endRaw, err := endWindow.Decompress()
	if err != nil {
		return false, err
	}
	for _, cb := range callbacks {
		cb(cd, endRaw)
	}
	return true, nil
}

// fillPrefetchLocked launches decode tasks for upcoming partitions up
// to the configured parallelism, so decode work for several partitions
// can proceed concurrently even though marker resolution and index
// publication happen in partition order. Caller holds f.mu.
func (f *Fetcher) fillPrefetchLocked() {
	if f.cancelled.Load() {
		return
	}
	if f.bgzfBlocks != nil {
		f.fillPrefetchBGZFLocked()
		return
	}
	for len(f.futures) < f.parallelism && !f.eof {
		start := f.nextPartition
		end := start + f.partitionBits
		fut := &future{done: make(chan struct{})}
		f.futures = append(f.futures, fut)
		f.nextPartition = end

		cfg := f.cfg
		src := f.src
		go func() {
			f.sem <- struct{}{}
			defer func() { <-f.sem }()
			cd, err := chunkdecoder.DecodeFromGuess(src, start, end, nil, cfg)
			fut.cd, fut.err = cd, err
			close(fut.done)
		}()
	}
}

// fillPrefetchBGZFLocked submits one decode task per group of whole
// BGZF members, grouped up to partitionBits of compressed span each.
// Every group boundary comes directly from the member list ScanBGZF
// precomputed at New, so no partition here is ever a guess: decoding
// calls chunkdecoder.DecodeChunk directly rather than DecodeFromGuess,
// and no speculative block-finder search ever runs for a BGZF source.
func (f *Fetcher) fillPrefetchBGZFLocked() {
	for len(f.futures) < f.parallelism && !f.eof {
		if f.bgzfCursor >= len(f.bgzfBlocks) {
			f.eof = true
			return
		}
		start := f.bgzfBlocks[f.bgzfCursor].ByteOffset * 8
		end := start
		for f.bgzfCursor < len(f.bgzfBlocks) {
			b := f.bgzfBlocks[f.bgzfCursor]
			end = (b.ByteOffset + b.Size) * 8
			f.bgzfCursor++
			if end-start >= f.partitionBits {
				break
			}
		}

		fut := &future{done: make(chan struct{})}
		f.futures = append(f.futures, fut)

		cfg := f.cfg
		src := f.src
		go func(start, end int64) {
			f.sem <- struct{}{}
			defer func() { <-f.sem }()
			cd, err := chunkdecoder.DecodeChunk(src, start, end, nil, cfg)
			fut.cd, fut.err = cd, err
			close(fut.done)
		}(start, end)
	}
}

func (f *Fetcher) storeCache(cd *chunkdecoder.ChunkData) {
	blob := make([]byte, len(cd.Output))
	for i, s := range cd.Output {
		blob[i] = s.Byte()
	}
	f.cache.Store(cd.EncodedOffsetInBits, blob)
}

func (f *Fetcher) resolveParent(encodedOffsetBits int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if parent, ok := f.parentKey[encodedOffsetBits]; ok {
		return parent
	}
	return encodedOffsetBits
}

func (f *Fetcher) lookupCached(encodedOffsetBits int64) *chunkdecoder.ChunkData {
	// Resolve through the split/merge parent-key mapping before
	// looking the blob up, and return just enough of a ChunkData for
	// ParallelReader.Read -- the literal decoded bytes -- reusing
	// the decode-time metadata is left to the caller's own index since
	// BlockMap already has the authoritative offsets.
	encodedOffsetBits = f.resolveParent(encodedOffsetBits)
	blob, ok := f.cache.Lookup(encodedOffsetBits)
	if !ok {
		return nil
	}
	syms := make([]markers.Symbol, len(blob))
	for i, b := range blob {
		syms[i] = markers.Literal(b)
	}
	return &chunkdecoder.ChunkData{EncodedOffsetInBits: encodedOffsetBits, Output: syms}
}

// lookupCachedOrRedecode serves a cached chunk blob, falling back to a
// synchronous redecode when the cache has evicted it -- the
// decoded-byte cache is a budget-bounded cache like any other, not a
// durability guarantee, so BlockMap plus the window published at the
// chunk's start (whether from live decoding or an imported index) must
// be enough on their own to reconstruct it from scratch. fallbackSizeBits
// is the span BlockMap itself recorded for this entry (e.EncodedSize);
// it is only used when no live-decode Meta is retained for the owning
// partition, i.e. for a chunk whose only provenance is an imported index.
func (f *Fetcher) lookupCachedOrRedecode(encodedOffsetBits, fallbackSizeBits int64) (*chunkdecoder.ChunkData, error) {
	if cd := f.lookupCached(encodedOffsetBits); cd != nil {
		return cd, nil
	}

	parent := f.resolveParent(encodedOffsetBits)
	f.mu.Lock()
	meta, ok := f.meta[parent]
	f.mu.Unlock()
	endBit := parent + fallbackSizeBits
	if ok {
		endBit = meta.EncodedOffsetInBits + meta.EncodedSizeInBits
	}

	f.mu.Lock()
	prevHandle, ok := f.windowMap.Get(parent)
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("chunkfetcher: no window available to redecode chunk at bit %d", parent)
	}
	prevWindow, err := prevHandle.Decompress()
	if err != nil {
		return nil, err
	}

	cd, err := chunkdecoder.DecodeFromGuess(f.src, parent, endBit, nil, f.cfg)
	if err != nil {
		return nil, err
	}
	resolveMarkers(cd, prevWindow)
	f.storeCache(cd)
	return cd, nil
}

// resolveMarkers rewrites every marker in cd.Output using prevWindow,
// then recomputes the CRC32 accumulator covering the bytes up to the
// chunk's first footer (markers, per the design, only ever occur
// there: later gzip streams within the same chunk start with empty
// history by definition).
func resolveMarkers(cd *chunkdecoder.ChunkData, prevWindow []byte) {
	hasMarker := false
	for _, s := range cd.Output {
		if s.IsMarker() {
			hasMarker = true
			break
		}
	}
	if !hasMarker {
		return
	}
	for i, s := range cd.Output {
		if s.IsMarker() {
			cd.Output[i] = markers.Literal(prevWindow[s.WindowPos()])
		}
	}

	firstFooterEnd := len(cd.Output)
	if len(cd.Footers) > 0 {
		firstFooterEnd = int(cd.Footers[0].Boundary.DecodedOffset)
	}
	if len(cd.CRCs) == 0 {
		return
	}
	cur := crc32x.New()
	cur.Write(bytesOf(cd.Output[:firstFooterEnd]))
	cd.CRCs[0] = cur
}

// computeEndWindow derives the windowSize-byte window that should be
// published at the chunk's end offset: the trailing windowSize bytes of
// decoded history since the last footer crossed in the chunk (gzip/
// zlib streams start with empty history), falling back to prevWindow
// for any shortfall when no footer was crossed at all.
//
// sparse enables the compact representation for the one case where a
// window's leading bytes are genuinely, verifiably zero: a new gzip/
// zlib stream started less than windowSize bytes before the chunk's
// end, so the window carries no real history before that point (the
// same convention DecodeChunk primes a fresh stream's own decoder with
// via SetInitialWindow(make([]byte, windowSize))).
func computeEndWindow(cd *chunkdecoder.ChunkData, prevWindow []byte, sparse bool) *windowmap.Window {
	historyStart := 0
	if n := len(cd.Footers); n > 0 {
		historyStart = int(cd.Footers[n-1].Boundary.DecodedOffset)
	}
	tail := cd.Output[historyStart:]

	if len(tail) == 0 {
		if historyStart > 0 {
			return &windowmap.Window{Empty: true}
		}
		return &windowmap.Window{Compression: windowmap.Raw, Raw: append([]byte(nil), prevWindow...)}
	}

	tailBytes := bytesOf(tail)
	if len(tailBytes) < windowSize && historyStart > 0 {
		if sparse {
			if w, ok := sparseTailWindow(tailBytes); ok {
				return w
			}
		}
		out := make([]byte, windowSize)
		copy(out[windowSize-len(tailBytes):], tailBytes)
		return &windowmap.Window{Compression: windowmap.Raw, Raw: out}
	}

	out := make([]byte, windowSize)
	if len(tailBytes) >= windowSize {
		copy(out, tailBytes[len(tailBytes)-windowSize:])
	} else {
		carry := windowSize - len(tailBytes)
		copy(out, prevWindow[len(prevWindow)-carry:])
		copy(out[carry:], tailBytes)
	}
	return &windowmap.Window{Compression: windowmap.Raw, Raw: out}
}

// sparseTailWindow builds the Sparse window representation for a
// windowSize-byte window whose leading windowSize-len(tailBytes) bytes
// are known zero padding: the re-scan step marks every trailing byte
// position as used (tailBytes needs no inspection of its contents, only
// its length, since the padding boundary is exact), and the verify step
// decompresses the candidate back and compares it byte-for-byte against
// the raw window it's standing in for before it is ever published --
// falling back to the raw representation on any mismatch.
func sparseTailWindow(tailBytes []byte) (*windowmap.Window, bool) {
	carry := windowSize - len(tailBytes)
	mask := make([]byte, windowSize/8)
	for i := carry; i < windowSize; i++ {
		mask[i/8] |= 1 << uint(i%8)
	}
	w := &windowmap.Window{Compression: windowmap.Sparse, Mask: mask, Sparse: append([]byte(nil), tailBytes...)}

	got, err := w.Decompress()
	if err != nil {
		return nil, false
	}
	want := make([]byte, windowSize)
	copy(want[carry:], tailBytes)
	if !bytes.Equal(got, want) {
		return nil, false
	}
	return w, true
}

func bytesOf(syms []markers.Symbol) []byte {
	b := make([]byte, len(syms))
	for i, s := range syms {
		b[i] = s.Byte()
	}
	return b
}
