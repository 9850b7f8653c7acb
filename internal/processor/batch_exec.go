package processor

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/textgrain/taskcore/internal/batch"
	"github.com/textgrain/taskcore/internal/observability"
	"github.com/textgrain/taskcore/internal/store"
	"github.com/textgrain/taskcore/internal/task"
)

// applyTaskCancellationInline handles TaskCancellation tasks directly,
// without going through the generic claim/process/finish pipeline: per
// spec §5, cancellation of an Enqueued task transitions it straight to
// Canceled, and the cancellation task itself never touches an index env.
func (p *Processor) applyTaskCancellationInline(cancellations []*task.Task) {
	now := time.Now().UTC()
	for _, c := range cancellations {
		store.FilterOutReferencesToNewerTasks(c)
		matched := 0
		for _, targetUID := range c.Details.TargetTaskUIDs {
			target, err := p.store.GetTask(targetUID)
			if err != nil || target == nil {
				continue
			}
			switch target.Status {
			case task.StatusEnqueued:
				target.Status = task.StatusCanceled
				target.CanceledBy = &c.UID
				target.FinishedAt = &now
				if err := p.store.UpdateTask(target); err == nil {
					matched++
					observability.RecordQueueDepthDelta(context.Background(), -1)
				}
			case task.StatusProcessing:
				if p.CancelRequested(targetUID) {
					matched++
				}
			default:
				// Already terminal: cancellation is not retroactive
				// (spec §5.c) — not counted as matched.
			}
		}
		c.Details.MatchedTasks = matched
		c.Status = task.StatusSucceeded
		finished := now.Add(time.Nanosecond)
		c.StartedAt = &now
		c.FinishedAt = &finished
		if err := p.store.UpdateTask(c); err != nil {
			p.logger.Error().Err(err).Uint32("task_uid", c.UID).Msg("failed to finalize cancellation task")
		}
		observability.RecordTaskCancellations(context.Background(), matched)
	}
}

// processBatch dispatches the claimed selection to its apply function and
// marks every task's final status from the result. Errors from the apply
// step mark every task in the batch Failed with the same error (spec
// §4.4's partial-failure rule), except where the apply step already
// assigned per-task outcomes (document add/update validation).
func (p *Processor) processBatch(pb *batch.ProcessingBatch, sel *batch.Selection) {
	var err error
	switch sel.Kind {
	case task.KindTaskDeletion:
		err = p.applyTaskDeletion(sel.Tasks)
	case task.KindSnapshotCreation:
		err = p.applySnapshotCreation(sel.Tasks)
	case task.KindDumpCreation:
		err = p.applyDumpCreation(sel.Tasks)
	case task.KindIndexSwap:
		err = p.applyIndexSwap(sel.Tasks)
	case task.KindIndexDeletion:
		err = p.applyIndexDeletion(sel.Tasks)
	case task.KindIndexCreation:
		err = p.applyIndexCreation(sel.Tasks)
	case task.KindIndexUpdate:
		err = p.applyIndexUpdate(sel.Tasks)
	case task.KindSettingsUpdate:
		err = p.applySettingsUpdate(sel.Tasks)
	case task.KindDocumentClear:
		err = p.applyDocumentClear(sel.Tasks)
	case task.KindDocumentAddOrUpdate:
		err = p.applyDocumentAddOrUpdate(pb, sel.Tasks)
	case task.KindDocumentDeletion, task.KindDocumentDeletionByFilter:
		err = p.applyDocumentDeletion(sel.Tasks)
	case task.KindDocumentEdit:
		// Editing documents by function is a deliberate non-goal (DESIGN.md):
		// it requires an embedded scripting runtime this module does not
		// carry. The kind stays in the closed set and fails every task
		// assigned to it with a typed, user-class error rather than
		// panicking the batch.
		err = task.ErrNotImplemented("document edit")
	default:
		err = fmt.Errorf("unknown batch kind %q", sel.Kind)
	}

	if err == nil {
		return
	}

	now := time.Now().UTC()
	if err == errCanceled {
		for _, t := range sel.Tasks {
			if t.Status.IsTerminal() {
				continue // already individually resolved (e.g. per-document validation)
			}
			t.Status = task.StatusCanceled
			t.FinishedAt = &now
		}
		return
	}
	terr := task.ErrStoreCorrupt(err.Error())
	if ue, ok := err.(*task.Error); ok {
		terr = ue
	}
	p.logger.Error().Err(err).Str("kind", string(sel.Kind)).Msg("batch failed")
	for _, t := range sel.Tasks {
		if t.Status.IsTerminal() {
			continue // already individually resolved (e.g. per-document validation)
		}
		t.Status = task.StatusFailed
		t.Error = terr
		t.FinishedAt = &now
	}
}

func withIndexTxn(p *Processor, indexUID string, fn func(tx *bolt.Tx) error) error {
	env, err := p.indexEnvs.Acquire(indexUID)
	if err != nil {
		return err
	}
	return env.DB.Update(func(tx *bolt.Tx) error {
		if err := ensureIndexBuckets(tx); err != nil {
			return err
		}
		return fn(tx)
	})
}

func succeedAll(tasks []*task.Task) {
	now := time.Now().UTC()
	for _, t := range tasks {
		t.Status = task.StatusSucceeded
		t.FinishedAt = &now
	}
}

// succeedNonTerminal marks every task not already in a terminal status
// Succeeded, leaving tasks a per-document validation pass already failed
// (and their Error) untouched.
func succeedNonTerminal(tasks []*task.Task) {
	now := time.Now().UTC()
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		t.Status = task.StatusSucceeded
		t.FinishedAt = &now
	}
}

func (p *Processor) applyIndexCreation(tasks []*task.Task) error {
	t := tasks[0]
	if err := withIndexTxn(p, t.Details.IndexUID, func(tx *bolt.Tx) error {
		return putSettings(tx, "primary_key", []byte(t.Details.PrimaryKey))
	}); err != nil {
		return err
	}
	if err := p.registry.RecordIndexCreated(context.Background(), t.Details.IndexUID, t.Details.PrimaryKey); err != nil {
		return err
	}
	succeedAll(tasks)
	return nil
}

func (p *Processor) applyIndexUpdate(tasks []*task.Task) error {
	t := tasks[0]
	if err := withIndexTxn(p, t.Details.IndexUID, func(tx *bolt.Tx) error {
		if t.Details.PrimaryKey != "" {
			return putSettings(tx, "primary_key", []byte(t.Details.PrimaryKey))
		}
		return nil
	}); err != nil {
		return err
	}
	succeedAll(tasks)
	return nil
}

func (p *Processor) applyIndexDeletion(tasks []*task.Task) error {
	// The first task is the real deletion; the rest are pending same-index
	// tasks the batcher absorbed as no-ops (spec §4.3.5.b).
	indexUID := tasks[0].Details.IndexUID
	env, err := p.indexEnvs.Acquire(indexUID)
	if err != nil {
		return err
	}
	if err := env.DB.Update(func(tx *bolt.Tx) error {
		return clearDocuments(tx)
	}); err != nil {
		return err
	}
	if err := env.DB.Update(func(tx *bolt.Tx) error { return clearPostings(tx) }); err != nil {
		return err
	}
	if err := p.registry.RecordIndexDeleted(context.Background(), indexUID); err != nil {
		return err
	}
	succeedAll(tasks)
	return nil
}

func (p *Processor) applyIndexSwap(tasks []*task.Task) error {
	for _, t := range tasks {
		a, b := t.Details.IndexUID, t.Details.SwapIndexUID
		if a == b {
			return task.ErrDocumentInvalid("duplicate index in swap")
		}
		if err := p.registry.RecordIndexSwapped(context.Background(), a, b); err != nil {
			return err
		}
		if err := p.rewritePendingIndexRefs(a, b); err != nil {
			return err
		}
	}
	succeedAll(tasks)
	return nil
}

// rewritePendingIndexRefs swaps a and b in every still-enqueued task's
// Details so work queued against the old name keeps targeting the same
// documents after the swap (spec §4.3.5, IndexSwap semantics). The swapped
// indexes' bbolt files are never moved — the registry record is the source
// of truth for which name now owns which document set.
func (p *Processor) rewritePendingIndexRefs(a, b string) error {
	bm, err := p.store.FilterTasks(store.Query{
		Statuses:  []task.Status{task.StatusEnqueued},
		IndexUIDs: []string{a, b},
	})
	if err != nil {
		return err
	}
	it := bm.Iterator()
	for it.HasNext() {
		t, err := p.store.GetTask(it.Next())
		if err != nil {
			return err
		}
		if t == nil {
			continue
		}
		store.SwapIndexUIDInTask(t, a, b)
		if err := p.store.UpdateTask(t); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) applySettingsUpdate(tasks []*task.Task) error {
	indexUID := tasks[0].Details.IndexUID
	err := withIndexTxn(p, indexUID, func(tx *bolt.Tx) error {
		// Last writer wins per field: later tasks in the coalesced run
		// overwrite earlier ones (spec §8 scenario 2).
		for _, t := range tasks {
			if t.Details.PrimaryKey != "" {
				if err := putSettings(tx, "primary_key", []byte(t.Details.PrimaryKey)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	succeedAll(tasks)
	return nil
}

func (p *Processor) applyDocumentClear(tasks []*task.Task) error {
	indexUID := tasks[0].Details.IndexUID
	err := withIndexTxn(p, indexUID, func(tx *bolt.Tx) error {
		if err := clearDocuments(tx); err != nil {
			return err
		}
		return clearPostings(tx)
	})
	if err != nil {
		return err
	}
	succeedAll(tasks)
	return nil
}

// applyTaskDeletion counts, for each TaskDeletion, the targets that exist
// and are terminal, and records that count as MatchedTasks. It does not
// remove any task record or secondary-index entry from the store.
func (p *Processor) applyTaskDeletion(tasks []*task.Task) error {
	now := time.Now().UTC()
	for _, del := range tasks {
		store.FilterOutReferencesToNewerTasks(del)
		deleted := 0
		for _, targetUID := range del.Details.TargetTaskUIDs {
			target, err := p.store.GetTask(targetUID)
			if err != nil || target == nil {
				continue
			}
			if !target.Status.IsTerminal() {
				continue // spec §6.1: targets must be terminal at execution time
			}
			deleted++
		}
		del.Details.MatchedTasks = deleted
	}
	succeedAll(tasks)
	return nil
}

func (p *Processor) applySnapshotCreation(tasks []*task.Task) error {
	for _, t := range tasks {
		if err := p.registry.RecordSnapshotCreated(context.Background(), t.Details.SnapshotUID); err != nil {
			return err
		}
	}
	succeedAll(tasks)
	return nil
}

func (p *Processor) applyDumpCreation(tasks []*task.Task) error {
	t := tasks[0]
	if err := p.registry.RecordDumpCreated(context.Background(), t.Details.DumpUID); err != nil {
		return err
	}
	succeedAll(tasks)
	return nil
}

func (p *Processor) applyDocumentDeletion(tasks []*task.Task) error {
	indexUID := tasks[0].Details.IndexUID
	return withIndexTxn(p, indexUID, func(tx *bolt.Tx) error {
		for _, t := range tasks {
			if t.Details.UpdateFileUUID != "" {
				ids, err := p.readIDList(t.Details.UpdateFileUUID)
				if err != nil {
					t.Status = task.StatusFailed
					t.Error = task.ErrDocumentInvalid(err.Error())
					continue
				}
				for _, id := range ids {
					if err := deleteDocument(tx, id); err != nil {
						return err
					}
				}
			}
			// DocumentDeletionByFilter would re-evaluate the filter against
			// the on-disk document set; filter evaluation itself is part of
			// the query/ranking pipeline (non-goal) and is stubbed here.
			if !t.Status.IsTerminal() {
				t.Status = task.StatusSucceeded
				now := time.Now().UTC()
				t.FinishedAt = &now
			}
		}
		return nil
	})
}

func (p *Processor) readIDList(updateFileUUID string) ([]uint32, error) {
	r, err := p.updateFiles.Open(updateFileUUID)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	docs, err := decodeDocuments(mustReadAll(r), "id")
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, len(docs))
	for i, d := range docs {
		ids[i] = d.id
	}
	return ids, nil
}
