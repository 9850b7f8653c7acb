package store

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/textgrain/taskcore/internal/task"
)

// Query is a task filter predicate. Each non-empty slice field is a
// disjunction ("any of"); the predicates themselves compose as a
// conjunction, per spec §4.1.
type Query struct {
	Statuses   []task.Status
	Kinds      []task.Kind
	IndexUIDs  []string
	CanceledBy []uint32
	BatchUIDs  []uint32

	UIDFrom, UIDTo *uint32 // inclusive range over uid

	EnqueuedAfter, EnqueuedBefore time.Time
	StartedAfter, StartedBefore   time.Time
	FinishedAfter, FinishedBefore time.Time
}

// FilterTasks intersects/unions the secondary bitmaps per predicate and
// returns the resulting task-uid bitmap.
func (s *Store) FilterTasks(q Query) (*roaring.Bitmap, error) {
	var result *roaring.Bitmap
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		result, err = filterTasksTx(tx, q)
		return err
	})
	return result, err
}

func filterTasksTx(tx *bolt.Tx, q Query) (*roaring.Bitmap, error) {
	result, err := allTaskUIDs(tx)
	if err != nil {
		return nil, err
	}

	intersect := func(group *roaring.Bitmap, anyPredicate bool) {
		if !anyPredicate {
			return
		}
		result.And(group)
	}

	if len(q.Statuses) > 0 {
		group := roaring.New()
		for _, st := range q.Statuses {
			bm, err := bitmapGet(tx, bucketStatus, []byte(st))
			if err != nil {
				return nil, err
			}
			group.Or(bm)
		}
		intersect(group, true)
	}
	if len(q.Kinds) > 0 {
		group := roaring.New()
		for _, k := range q.Kinds {
			bm, err := bitmapGet(tx, bucketKind, []byte(k))
			if err != nil {
				return nil, err
			}
			group.Or(bm)
		}
		intersect(group, true)
	}
	if len(q.IndexUIDs) > 0 {
		group := roaring.New()
		for _, idx := range q.IndexUIDs {
			bm, err := bitmapGet(tx, bucketIndexTasks, []byte(idx))
			if err != nil {
				return nil, err
			}
			group.Or(bm)
		}
		intersect(group, true)
	}
	if len(q.CanceledBy) > 0 {
		group := roaring.New()
		for _, uid := range q.CanceledBy {
			bm, err := bitmapGet(tx, bucketCanceledBy, uidKey(uid))
			if err != nil {
				return nil, err
			}
			group.Or(bm)
		}
		intersect(group, true)
	}
	if len(q.BatchUIDs) > 0 {
		group := roaring.New()
		for _, uid := range q.BatchUIDs {
			bm, err := bitmapGet(tx, bucketBatchToTasks, uidKey(uid))
			if err != nil {
				return nil, err
			}
			group.Or(bm)
		}
		intersect(group, true)
	}
	if q.UIDFrom != nil || q.UIDTo != nil {
		group := roaring.New()
		lo, hi := uint64(0), uint64(1<<32-1)
		if q.UIDFrom != nil {
			lo = uint64(*q.UIDFrom)
		}
		if q.UIDTo != nil {
			hi = uint64(*q.UIDTo)
		}
		group.AddRange(lo, hi+1)
		intersect(group, true)
	}
	if bm, ok, err := timeRangeBitmap(tx, bucketEnqueuedAt, q.EnqueuedAfter, q.EnqueuedBefore); err != nil {
		return nil, err
	} else if ok {
		intersect(bm, true)
	}
	if bm, ok, err := timeRangeBitmap(tx, bucketStartedAt, q.StartedAfter, q.StartedBefore); err != nil {
		return nil, err
	} else if ok {
		intersect(bm, true)
	}
	if bm, ok, err := timeRangeBitmap(tx, bucketFinishedAt, q.FinishedAfter, q.FinishedBefore); err != nil {
		return nil, err
	} else if ok {
		intersect(bm, true)
	}

	return result, nil
}

func allTaskUIDs(tx *bolt.Tx) (*roaring.Bitmap, error) {
	out := roaring.New()
	b := tx.Bucket(bucketAllTasks)
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) != 4 { // skip the counter key, which lives in its own bucket
			continue
		}
		out.Add(uidKeyDecode(k))
	}
	return out, nil
}

// timeRangeBitmap unions every timestamp-bucket entry whose key falls in
// [after, before). A zero after/before leaves that side unbounded. Returns
// ok=false when neither bound was supplied (predicate absent).
func timeRangeBitmap(tx *bolt.Tx, bucketName []byte, after, before time.Time) (*roaring.Bitmap, bool, error) {
	if after.IsZero() && before.IsZero() {
		return nil, false, nil
	}
	out := roaring.New()
	b := tx.Bucket(bucketName)
	if b == nil {
		return out, true, nil
	}
	c := b.Cursor()
	var start []byte
	if !after.IsZero() {
		start = timeKey(after)
	}
	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if !before.IsZero() && !timeKeyDecode(k).Before(before) {
			break
		}
		bm, err := decodeBitmap(v)
		if err != nil {
			return nil, false, err
		}
		out.Or(bm)
	}
	return out, true, nil
}
