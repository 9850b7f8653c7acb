package indexcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/textgrain/taskcore/internal/observability"
)

// spillChunkEntries bounds how large the unsorted spill buffer grows before
// it is flushed to a new sorted on-disk run. Keeping this small bounds the
// extra memory spilling itself consumes while still amortizing the sort
// cost across many inserts.
const spillChunkEntries = 4096

// BalancedCache is one worker thread's term→delta aggregator: B buckets
// selected by hash(term) mod B, spilling unknown keys to disk once
// max_memory bytes have been copied into the arena (spec §4.5).
type BalancedCache struct {
	buckets   []*bucket
	arena     *Arena
	maxMemory uint64
	spilling  bool
	scratchDir string
	nextRunID int
}

// NewBalancedCache creates a cache with B buckets backed by arena, spilling
// to scratchDir once arena.Allocated() has reached maxMemory. maxMemory=0
// means "spill threshold is zero": every insert of a previously unseen key
// spills immediately (spec §8 boundary behavior).
func NewBalancedCache(b int, maxMemory uint64, arena *Arena, scratchDir string) (*BalancedCache, error) {
	if b <= 0 {
		return nil, fmt.Errorf("indexcache: bucket count must be positive, got %d", b)
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("indexcache: create scratch dir: %w", err)
	}
	c := &BalancedCache{
		buckets:    make([]*bucket, b),
		arena:      arena,
		maxMemory:  maxMemory,
		scratchDir: scratchDir,
	}
	for i := range c.buckets {
		c.buckets[i] = newBucket()
	}
	return c, nil
}

func (c *BalancedCache) bucketFor(term []byte) *bucket {
	h := xxhash.Sum64(term)
	return c.buckets[h%uint64(len(c.buckets))]
}

// InsertAdd records that doc_id was added to term's posting list.
func (c *BalancedCache) InsertAdd(term []byte, docID uint32) error {
	return c.insert(term, docID, false)
}

// InsertDel records that doc_id was removed from term's posting list.
func (c *BalancedCache) InsertDel(term []byte, docID uint32) error {
	return c.insert(term, docID, true)
}

func (c *BalancedCache) insert(term []byte, docID uint32, isDel bool) error {
	// Checked before every insert, not periodically, so the spill trigger
	// point matches the arena's exact allocation boundary.
	if !c.spilling && c.arena.Allocated() >= c.maxMemory {
		c.spilling = true
	}

	b := c.bucketFor(term)
	key := string(term)

	if e, ok := b.resident[key]; ok {
		applyTo(e, docID, isDel)
		return nil
	}

	if !c.spilling {
		e := &entry{term: c.arena.Copy(term)}
		applyTo(e, docID, isDel)
		b.resident[key] = e
		return nil
	}

	// Spilling mode: unknown keys go to the spill buffer instead of the
	// arena-backed resident map.
	if e, ok := b.spillBuf[key]; ok {
		applyTo(e, docID, isDel)
		return nil
	}
	e := &entry{term: append([]byte(nil), term...)}
	applyTo(e, docID, isDel)
	b.spillBuf[key] = e
	if len(b.spillBuf) >= spillChunkEntries {
		return c.flushBucket(b)
	}
	return nil
}

func applyTo(e *entry, docID uint32, isDel bool) {
	if isDel {
		e.del.add(docID)
	} else {
		e.add.add(docID)
	}
}

func (c *BalancedCache) flushBucket(b *bucket) error {
	id := fmt.Sprintf("%p-%d", b, c.nextRunID)
	c.nextRunID++
	path, err := flushSpillBuf(c.scratchDir, id, b.spillBuf)
	if err != nil {
		return err
	}
	if path != "" {
		b.runPaths = append(b.runPaths, path)
		var size int64
		if fi, statErr := os.Stat(path); statErr == nil {
			size = fi.Size()
		}
		observability.RecordCacheSpill(context.Background(), size)
	}
	b.spillBuf = make(map[string]*entry)
	return nil
}

// FrozenBucket is an immutable, mergeable view of one bucket: its resident
// entries (drained into final bitmaps) paired with its spilled sorted runs.
// Safe to hand to another goroutine — nothing in a FrozenBucket is mutated
// further.
type FrozenBucket struct {
	Resident map[string]*Delta
	RunPaths []string
}

// Freeze consumes the cache into B FrozenBuckets, flushing any remaining
// spill buffer first. After Freeze the cache must not be inserted into
// again.
func (c *BalancedCache) Freeze() ([]*FrozenBucket, error) {
	out := make([]*FrozenBucket, len(c.buckets))
	for i, b := range c.buckets {
		if len(b.spillBuf) > 0 {
			if err := c.flushBucket(b); err != nil {
				return nil, err
			}
		}
		resident := make(map[string]*Delta, len(b.resident))
		for k, e := range b.resident {
			resident[k] = &Delta{Del: e.del.drain(), Add: e.add.drain()}
		}
		out[i] = &FrozenBucket{Resident: resident, RunPaths: b.runPaths}
	}
	return out, nil
}

// CleanupScratchDir removes every run file a set of FrozenBuckets wrote.
// Called after a batch finishes (success, failure, or cancel) per spec §5's
// "spill files ... removed on batch completion" policy.
func CleanupScratchDir(dir string) error {
	return os.RemoveAll(dir)
}

// ScratchDirFor builds the per-batch scratch directory path under root,
// named by batch uid so concurrent batches (should they ever overlap,
// which the single-threaded processor avoids) never collide.
func ScratchDirFor(root string, batchUID uint32) string {
	return filepath.Join(root, fmt.Sprintf("batch-%d", batchUID))
}
