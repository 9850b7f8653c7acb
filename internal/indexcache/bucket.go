package indexcache

import "github.com/RoaringBitmap/roaring/v2"

// builder is the insert-time structure for one term's pending delta: an
// append-only list of doc ids. Repeated inserts of the same id are not
// deduplicated here — roaring.Bitmap.AddMany collapses duplicates cheaply
// when the builder is drained, so insert stays O(1) (spec §9, "compressed
// bitmap builder vs final bitmap").
type builder struct {
	ids []uint32
}

func (b *builder) add(id uint32) { b.ids = append(b.ids, id) }

// drain converts the builder into a roaring bitmap; the builder's ids are
// left in place.
func (b *builder) drain() *roaring.Bitmap {
	bm := roaring.New()
	if b != nil {
		bm.AddMany(b.ids)
	}
	return bm
}

// entry is one bucket slot: a term (arena-owned bytes) paired with its
// pending deletion/addition builders.
type entry struct {
	term []byte
	del  builder
	add  builder
}

// Delta is the merge-time, random-access representation of one term's
// aggregated change: doc ids to remove and doc ids to add.
type Delta struct {
	Del *roaring.Bitmap
	Add *roaring.Bitmap
}

// mergeFrom ORs o's bitmaps into d (spec §4.5: merge(a,b) = bitwise OR of
// each side).
func (d *Delta) mergeFrom(o *Delta) {
	if o == nil {
		return
	}
	if o.Del != nil {
		d.Del.Or(o.Del)
	}
	if o.Add != nil {
		d.Add.Or(o.Add)
	}
}

func newDelta() *Delta { return &Delta{Del: roaring.New(), Add: roaring.New()} }

// bucket is one shard of a BalancedCache, selected by hash(term) mod B. It
// holds resident entries (always mutable in place) and, once the cache has
// crossed max_memory, a spill buffer of entries for keys seen only after
// spilling began. The spill buffer is flushed to a sorted on-disk run
// whenever it reaches spillChunkEntries, and a final time at Freeze.
type bucket struct {
	resident  map[string]*entry
	spillBuf  map[string]*entry
	runPaths  []string
	scratchID int
}

func newBucket() *bucket {
	return &bucket{resident: make(map[string]*entry), spillBuf: make(map[string]*entry)}
}
