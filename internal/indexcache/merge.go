package indexcache

import (
	"bytes"
	"container/heap"
	"sort"
)

// Transpose rearranges a T×B matrix of per-thread FrozenBuckets into B
// groups of T, so merger thread b owns bucket b across every source
// thread (spec §4.5/§9). Pure data rearrangement — no locking, since each
// resulting group is handed to exactly one merger.
func Transpose(perThread [][]*FrozenBucket) [][]*FrozenBucket {
	if len(perThread) == 0 {
		return nil
	}
	b := len(perThread[0])
	groups := make([][]*FrozenBucket, b)
	for bi := 0; bi < b; bi++ {
		group := make([]*FrozenBucket, len(perThread))
		for ti, buckets := range perThread {
			group[ti] = buckets[bi]
		}
		groups[bi] = group
	}
	return groups
}

type cursor struct {
	r      *runReader
	source int
}

// runHeap is a min-heap of cursors ordered by current key, tie-broken by
// source index for determinism (spec §4.5 step 1).
type runHeap []*cursor

func (h runHeap) Len() int { return len(h) }
func (h runHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].r.current().key, h[j].r.current().key)
	if c != 0 {
		return c < 0
	}
	return h[i].source < h[j].source
}
func (h runHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x any)        { *h = append(*h, x.(*cursor)) }
func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeGroup merges one bucket-group (one bucket index, one per source
// thread), invoking emit once per distinct key with the fully unioned
// delta (spec §4.5 per-bucket merge algorithm). Keys present in any
// spilled run are emitted first, in ascending order; keys found only in
// resident entries follow, also in ascending order, so the stream as a
// whole is sorted only when one of those two sets is empty. Every spilled
// run is opened, drained via k-way merge,
// and closed before MergeGroup returns; every resident in-memory entry is
// visited exactly once via tombstoning so it is never double-counted
// against its own spilled runs.
func MergeGroup(group []*FrozenBucket, emit func(term []byte, d *Delta) error) error {
	var cursors []*cursor
	defer func() {
		for _, c := range cursors {
			_ = c.r.close()
		}
	}()

	h := &runHeap{}
	for ti, fb := range group {
		for _, path := range fb.RunPaths {
			r, err := openRunReader(path)
			if err != nil {
				return err
			}
			c := &cursor{r: r, source: ti}
			cursors = append(cursors, c)
			if r.current() != nil {
				heap.Push(h, c)
			} else if r.err != nil {
				return r.err
			}
		}
	}

	consumed := make([]map[string]bool, len(group))
	for i := range consumed {
		consumed[i] = make(map[string]bool)
	}

	for h.Len() > 0 {
		key := append([]byte(nil), (*h)[0].r.current().key...)
		d := newDelta()

		for h.Len() > 0 && bytes.Equal((*h)[0].r.current().key, key) {
			c := heap.Pop(h).(*cursor)
			d.mergeFrom(c.r.current().d)
			c.r.advance()
			if c.r.err != nil {
				return c.r.err
			}
			if c.r.current() != nil {
				heap.Push(h, c)
			}
		}

		// Step 3: fold in every group member's in-memory entry for this
		// key and tombstone it so the resident sweep below skips it.
		for i, fb := range group {
			if consumed[i][string(key)] {
				continue
			}
			if e, ok := fb.Resident[string(key)]; ok {
				d.mergeFrom(e)
				consumed[i][string(key)] = true
			}
		}

		if err := emit(key, d); err != nil {
			return err
		}
	}

	// Step 4: every spilled run is drained; sweep remaining resident
	// entries across the whole group, emitted in ascending order.
	remaining := make(map[string]bool)
	for i, fb := range group {
		for k := range fb.Resident {
			if !consumed[i][k] {
				remaining[k] = true
			}
		}
	}
	keys := make([]string, 0, len(remaining))
	for k := range remaining {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		d := newDelta()
		for i, fb := range group {
			if consumed[i][k] {
				continue
			}
			if e, ok := fb.Resident[k]; ok {
				d.mergeFrom(e)
				consumed[i][k] = true
			}
		}
		if err := emit([]byte(k), d); err != nil {
			return err
		}
	}
	return nil
}
