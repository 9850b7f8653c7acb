package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	bolt "go.etcd.io/bbolt"

	"github.com/textgrain/taskcore/internal/batch"
	"github.com/textgrain/taskcore/internal/indexcache"
	"github.com/textgrain/taskcore/internal/task"
)

func mustReadAll(r io.Reader) []byte {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	return b
}

// applyDocumentAddOrUpdate runs the indexing cache pipeline (spec §4.5) for
// every coalesced DocumentAddOrUpdate task against the batch's shared
// index, fanning document extraction out across cfg.WorkerThreadCount
// per-thread caches and merging the result into one write txn.
func (p *Processor) applyDocumentAddOrUpdate(pb *batch.ProcessingBatch, tasks []*task.Task) error {
	pb.SetStep("extracting")
	indexUID := tasks[0].Details.IndexUID
	primaryKey, err := p.readPrimaryKey(indexUID)
	if err != nil {
		return err
	}

	var docs []document
	for _, t := range tasks {
		if t.Details.UpdateFileUUID == "" {
			continue
		}
		raw, err := p.readUpdateFile(t.Details.UpdateFileUUID)
		if err != nil {
			t.Status = task.StatusFailed
			t.Error = task.ErrDocumentInvalid(err.Error())
			continue
		}
		parsed, err := decodeDocuments(raw, primaryKey)
		if err != nil {
			t.Status = task.StatusFailed
			t.Error = task.ErrDocumentInvalid(err.Error())
			continue
		}
		docs = append(docs, parsed...)
	}
	if err := checkCanceled(p.currentCancelFlag()); err != nil {
		return err
	}
	if len(docs) == 0 {
		succeedNonTerminal(tasks)
		return nil
	}

	pb.SetStep("indexing")
	scratch := indexcache.ScratchDirFor(p.cfg.ScratchDir, pb.UID)
	defer func() {
		if err := indexcache.CleanupScratchDir(scratch); err != nil {
			p.logger.Warn().Err(err).Str("dir", scratch).Msg("failed to clean up cache scratch dir")
		}
	}()

	threads := p.cfg.WorkerThreadCount
	if threads > len(docs) {
		threads = len(docs)
	}
	if threads < 1 {
		threads = 1
	}
	const bucketCount = 16
	maxMemPerThread := p.cfg.MaxMemoryPerBatch / uint64(threads)

	perThread := make([][]*indexcache.FrozenBucket, threads)
	shardDocs := make([][]document, threads)
	for i, d := range docs {
		shardDocs[i%threads] = append(shardDocs[i%threads], d)
	}

	g, _ := errgroup.WithContext(context.Background())
	for i := 0; i < threads; i++ {
		i := i
		g.Go(func() error {
			arena := indexcache.NewArena(0)
			cache, err := indexcache.NewBalancedCache(bucketCount, maxMemPerThread, arena, fmt.Sprintf("%s/thread-%d", scratch, i))
			if err != nil {
				return err
			}
			for j, d := range shardDocs[i] {
				for _, term := range d.terms() {
					if err := cache.InsertAdd([]byte(term), d.id); err != nil {
						return err
					}
				}
				if (j+1)%p.cfg.CancelCheckInterval == 0 {
					if err := checkCanceled(p.currentCancelFlag()); err != nil {
						return err
					}
				}
			}
			frozen, err := cache.Freeze()
			if err != nil {
				return err
			}
			perThread[i] = frozen
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	groups := indexcache.Transpose(perThread)

	pb.SetStep("merging")
	return withIndexTxn(p, indexUID, func(tx *bolt.Tx) error {
		for _, d := range docs {
			if err := putDocument(tx, d.id, d.raw); err != nil {
				return err
			}
		}
		for _, group := range groups {
			if err := checkCanceled(p.currentCancelFlag()); err != nil {
				return err
			}
			if err := indexcache.MergeGroup(group, func(term []byte, delta *indexcache.Delta) error {
				return applyPostingDelta(tx, term, delta.Del, delta.Add)
			}); err != nil {
				return err
			}
		}
		succeedNonTerminal(tasks)
		return nil
	})
}

func (p *Processor) readPrimaryKey(indexUID string) (string, error) {
	env, err := p.indexEnvs.Acquire(indexUID)
	if err != nil {
		return "", err
	}
	key := "id"
	err = env.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte("primary_key")); v != nil && len(v) > 0 {
			key = string(v)
		}
		return nil
	})
	return key, err
}

func (p *Processor) readUpdateFile(uuid string) ([]byte, error) {
	r, err := p.updateFiles.Open(uuid)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
