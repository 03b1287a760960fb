// Package decompressioncache is ChunkFetcher's byte-budget-bounded
// blob cache: it retains each decoded chunk's literal bytes so a
// repeated ParallelReader.Get for an already-decoded chunk (a reverse
// seek, say) returns instantly instead of redecoding. It is the same
// bigcache-backed idea as the original decompressioncache.ReaderAt --
// cache misses fall back to recomputation -- but keyed directly by
// encoded bit offset instead of by stepper-driven byte span, since
// ChunkFetcher always has a whole chunk's bytes in hand at once rather
// than producing them incrementally.
package decompressioncache

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/allegro/bigcache/v3"
)

// Cache is a chunk-byte store bounded by budgetBytes, not entry count.
// Each instance carries its own uniq id so independent Fetchers (e.g.
// several archives open at once in one process) never collide on key,
// the way the original single global cache relied on a per-ReaderAt
// monotonic counter baked into its key.
type Cache struct {
	bc   *bigcache.BigCache
	uniq uint64
}

var monotonic uint64

// New creates a Cache capped at budgetBytes.
func New(ctx context.Context, budgetBytes int) (*Cache, error) {
	mb := budgetBytes / (1024 * 1024)
	if mb < 1 {
		mb = 1
	}
	bc, err := bigcache.New(ctx, bigcache.Config{
		HardMaxCacheSize: mb,
		Shards:           64,
		MaxEntrySize:     1 << 20,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{bc: bc, uniq: atomic.AddUint64(&monotonic, 1)}, nil
}

func (c *Cache) key(offsetBits int64) string {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], c.uniq)
	binary.LittleEndian.PutUint64(b[8:], uint64(offsetBits))
	return string(b[:])
}

// Store retains blob under offsetBits. Bigcache's own shard eviction
// reclaims space once the budget is exceeded; Store never errors for
// the caller since a failed cache write only costs a future recompute.
func (c *Cache) Store(offsetBits int64, blob []byte) {
	_ = c.bc.Set(c.key(offsetBits), blob)
}

// Lookup returns the blob stored for offsetBits, if still resident.
func (c *Cache) Lookup(offsetBits int64) ([]byte, bool) {
	v, err := c.bc.Get(c.key(offsetBits))
	if err != nil {
		return nil, false
	}
	return v, true
}
