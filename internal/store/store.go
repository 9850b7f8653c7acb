// Package store is the durable task queue: a single bbolt environment
// holding every task/batch record plus the roaring-bitmap secondary
// indices spec §3 requires, guarded by bbolt's native single-writer/
// multi-reader transactions.
package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/textgrain/taskcore/internal/observability"
	"github.com/textgrain/taskcore/internal/task"
)

// Store durably persists tasks and batches. Writes come from the processor
// goroutine and from API handlers enqueueing tasks; bbolt runs one write
// transaction at a time, matching the "single writer at a time per KV
// environment" rule of spec §5.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a task environment at path, sized to sizeBytes
// (rounded down to the OS page size by bbolt itself), and ensures every
// top-level bucket exists.
func Open(path string, sizeBytes int64) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open task env: %w", err)
	}
	if sizeBytes > 0 {
		db.MaxSize = sizeBytes
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// View runs fn in a read-only transaction. Exposed so the batcher can read
// the current state without taking the write lock (spec §4.4's "open read
// txn" step).
func (s *Store) View(fn func(tx *bolt.Tx) error) error { return s.db.View(fn) }

// Update runs fn in a read-write transaction.
func (s *Store) Update(fn func(tx *bolt.Tx) error) error { return s.db.Update(fn) }

// Enqueue assigns the next dense uid, stamps EnqueuedAt, and indexes the
// new task under by_status/by_kind/by_index/enqueued_at, per spec §4.1.
func (s *Store) Enqueue(kind task.Kind, details task.Details) (*task.Task, error) {
	var t *task.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		uid, err := nextCounter(tx, bucketTaskCounter)
		if err != nil {
			return err
		}
		t = &task.Task{
			UID:        uid,
			Kind:       kind,
			Status:     task.StatusEnqueued,
			Details:    details,
			EnqueuedAt: time.Now().UTC(),
		}
		return s.indexTask(tx, t, true)
	})
	if err != nil {
		return nil, err
	}
	observability.RecordQueueDepthDelta(context.Background(), 1)
	return t, nil
}

// indexTask inserts or fully re-indexes t into every secondary bitmap. When
// insert is true it also writes the primary record; callers that only want
// to repair indices (e.g. after a status change) pass insert=false and are
// expected to have already written the record via putTask.
func (s *Store) indexTask(tx *bolt.Tx, t *task.Task, insert bool) error {
	if insert {
		if err := putTask(tx, t); err != nil {
			return err
		}
	}
	if err := bitmapAdd(tx, bucketStatus, []byte(t.Status), t.UID); err != nil {
		return err
	}
	if err := bitmapAdd(tx, bucketKind, []byte(t.Kind), t.UID); err != nil {
		return err
	}
	for _, idx := range taskIndexUIDs(t) {
		if err := bitmapAdd(tx, bucketIndexTasks, []byte(idx), t.UID); err != nil {
			return err
		}
	}
	if err := bitmapAdd(tx, bucketEnqueuedAt, timeKey(t.EnqueuedAt), t.UID); err != nil {
		return err
	}
	if t.StartedAt != nil {
		if err := bitmapAdd(tx, bucketStartedAt, timeKey(*t.StartedAt), t.UID); err != nil {
			return err
		}
	}
	if t.FinishedAt != nil {
		if err := bitmapAdd(tx, bucketFinishedAt, timeKey(*t.FinishedAt), t.UID); err != nil {
			return err
		}
	}
	if t.CanceledBy != nil {
		if err := bitmapAdd(tx, bucketCanceledBy, uidKey(*t.CanceledBy), t.UID); err != nil {
			return err
		}
	}
	return nil
}

func taskIndexUIDs(t *task.Task) []string {
	var out []string
	if t.Details.IndexUID != "" {
		out = append(out, t.Details.IndexUID)
	}
	if t.Details.SwapIndexUID != "" {
		out = append(out, t.Details.SwapIndexUID)
	}
	return out
}

func putTask(tx *bolt.Tx, t *task.Task) error {
	b := tx.Bucket(bucketAllTasks)
	enc, err := encodeTask(t)
	if err != nil {
		return err
	}
	return b.Put(uidKey(t.UID), enc)
}

// GetTask returns the task with the given uid, or nil if not found.
func (s *Store) GetTask(uid uint32) (*task.Task, error) {
	var t *task.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllTasks)
		raw := b.Get(uidKey(uid))
		if raw == nil {
			return nil
		}
		var err error
		t, err = decodeTask(raw)
		return err
	})
	return t, err
}

// UpdateTask replaces the stored record for t.UID and repairs every
// secondary index that might have changed (status, index uids,
// timestamps, canceled_by). It enforces the sanity rules from spec §4.1: uid and
// enqueued_at are immutable, started_at/finished_at only transition from
// absent to present.
func (s *Store) UpdateTask(t *task.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllTasks)
		raw := b.Get(uidKey(t.UID))
		if raw == nil {
			return task.ErrUnknownTaskUID(t.UID)
		}
		old, err := decodeTask(raw)
		if err != nil {
			return err
		}
		if !old.EnqueuedAt.Equal(t.EnqueuedAt) {
			return fmt.Errorf("illegal mutation: enqueued_at changed for task %d", t.UID)
		}
		if old.StartedAt != nil && t.StartedAt == nil {
			return fmt.Errorf("illegal mutation: started_at cleared for task %d", t.UID)
		}
		if old.FinishedAt != nil && t.FinishedAt == nil {
			return fmt.Errorf("illegal mutation: finished_at cleared for task %d", t.UID)
		}

		if old.Status != t.Status {
			if err := bitmapRemove(tx, bucketStatus, []byte(old.Status), t.UID); err != nil {
				return err
			}
			if err := bitmapAdd(tx, bucketStatus, []byte(t.Status), t.UID); err != nil {
				return err
			}
		}
		if old.Details.IndexUID != t.Details.IndexUID || old.Details.SwapIndexUID != t.Details.SwapIndexUID {
			for _, idx := range taskIndexUIDs(old) {
				if err := bitmapRemove(tx, bucketIndexTasks, []byte(idx), t.UID); err != nil {
					return err
				}
			}
			for _, idx := range taskIndexUIDs(t) {
				if err := bitmapAdd(tx, bucketIndexTasks, []byte(idx), t.UID); err != nil {
					return err
				}
			}
		}
		if old.StartedAt == nil && t.StartedAt != nil {
			if err := bitmapAdd(tx, bucketStartedAt, timeKey(*t.StartedAt), t.UID); err != nil {
				return err
			}
		}
		if old.FinishedAt == nil && t.FinishedAt != nil {
			if err := bitmapAdd(tx, bucketFinishedAt, timeKey(*t.FinishedAt), t.UID); err != nil {
				return err
			}
		}
		if old.CanceledBy == nil && t.CanceledBy != nil {
			if err := bitmapAdd(tx, bucketCanceledBy, uidKey(*t.CanceledBy), t.UID); err != nil {
				return err
			}
		}
		return putTask(tx, t)
	})
}

// GetBatch returns the batch with the given uid, or nil if not found.
func (s *Store) GetBatch(uid uint32) (*task.Batch, error) {
	var b *task.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAllBatches)
		raw := bucket.Get(uidKey(uid))
		if raw == nil {
			return nil
		}
		var err error
		b, err = decodeBatch(raw)
		return err
	})
	return b, err
}

// WriteBatch persists the Batch record and its secondary indices, and
// records batch_to_tasks for every claimed uid. Called once, after the
// ProcessingBatch accumulator reaches Finished.
func (s *Store) WriteBatch(b *task.Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAllBatches)
		enc, err := encodeBatch(b)
		if err != nil {
			return err
		}
		if err := bucket.Put(uidKey(b.UID), enc); err != nil {
			return err
		}
		for _, uid := range b.TaskUIDs {
			if err := bitmapAdd(tx, bucketBatchToTasks, uidKey(b.UID), uid); err != nil {
				return err
			}
		}
		for kind, count := range b.Kinds {
			if count == 0 {
				continue
			}
			if err := bitmapAdd(tx, bucketBatchKind, []byte(kind), b.UID); err != nil {
				return err
			}
		}
		for idx, count := range b.IndexUIDs {
			if count == 0 {
				continue
			}
			if err := bitmapAdd(tx, bucketBatchIndexTasks, []byte(idx), b.UID); err != nil {
				return err
			}
		}
		for status, count := range b.Statuses {
			if count == 0 {
				continue
			}
			if err := bitmapAdd(tx, bucketBatchStatus, []byte(status), b.UID); err != nil {
				return err
			}
		}
		if err := bitmapAdd(tx, bucketBatchEnqueuedAt, timeKey(b.EnqueuedAt), b.UID); err != nil {
			return err
		}
		if err := bitmapAdd(tx, bucketBatchStartedAt, timeKey(b.StartedAt), b.UID); err != nil {
			return err
		}
		if b.FinishedAt != nil {
			if err := bitmapAdd(tx, bucketBatchFinishedAt, timeKey(*b.FinishedAt), b.UID); err != nil {
				return err
			}
		}
		return nil
	})
}

// NextBatchUID reserves the next dense batch id, used by the processor when
// it starts claiming tasks into a new ProcessingBatch.
func (s *Store) NextBatchUID() (uint32, error) {
	var uid uint32
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		uid, err = nextCounter(tx, bucketBatchCounter)
		return err
	})
	return uid, err
}

// FilterOutReferencesToNewerTasks clamps a cancellation/deletion task's
// target set to uid < self.uid (spec invariant 5), updating MatchedTasks.
// Idempotent: reapplying to an already-clamped task is a no-op.
func FilterOutReferencesToNewerTasks(t *task.Task) {
	kept := t.Details.TargetTaskUIDs[:0:0]
	for _, target := range t.Details.TargetTaskUIDs {
		if target < t.UID {
			kept = append(kept, target)
		}
	}
	t.Details.TargetTaskUIDs = kept
	t.Details.MatchedTasks = len(kept)
}

// SwapIndexUIDInTask rewrites every index_uid reference inside t when index
// a and b trade names under an IndexSwap.
func SwapIndexUIDInTask(t *task.Task, a, b string) {
	swap := func(s string) string {
		switch s {
		case a:
			return b
		case b:
			return a
		default:
			return s
		}
	}
	t.Details.IndexUID = swap(t.Details.IndexUID)
	t.Details.SwapIndexUID = swap(t.Details.SwapIndexUID)
}
