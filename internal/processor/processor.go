// Package processor is the single-threaded driver that owns all mutation
// of the task store and every index environment (spec §4.4). It wakes on a
// ticker or an explicit signal, asks the batcher for the next compatible
// group of tasks, executes them, and commits the result.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/textgrain/taskcore/internal/batch"
	"github.com/textgrain/taskcore/internal/indexenv"
	"github.com/textgrain/taskcore/internal/observability"
	"github.com/textgrain/taskcore/internal/store"
	"github.com/textgrain/taskcore/internal/task"
	"github.com/textgrain/taskcore/internal/updatefile"
)

// Registry is the subset of internal/registry the processor needs to
// record out-of-core artifacts (dumps, snapshots, index existence). It
// does not implement dump format or authentication (non-goals).
type Registry interface {
	RecordIndexCreated(ctx context.Context, indexUID, primaryKey string) error
	RecordIndexDeleted(ctx context.Context, indexUID string) error
	RecordIndexSwapped(ctx context.Context, a, b string) error
	RecordDumpCreated(ctx context.Context, dumpUID string) error
	RecordSnapshotCreated(ctx context.Context, snapshotUID string) error
}

// Config bundles the tunables spec §6.4 enumerates that are relevant to
// the processor loop.
type Config struct {
	WorkerThreadCount  int
	CancelCheckInterval int // documents between cancel-flag polls
	MaxMemoryPerBatch  uint64
	ScratchDir         string
	TickInterval       time.Duration
}

// Processor is the main loop described by spec §4.4.
type Processor struct {
	store       *store.Store
	updateFiles *updatefile.Store
	indexEnvs   *indexenv.Pool
	registry    Registry
	cfg         Config
	logger      zerolog.Logger

	wake     chan struct{}
	wakeRate *rate.Limiter
	stopCh   chan struct{}
	wg       sync.WaitGroup

	progress progressHandle

	mu          sync.Mutex
	curFlag     *cancelFlag
	curTargets  map[uint32]bool
}

// New builds a Processor. Call Start to run its loop in a goroutine.
func New(s *store.Store, uf *updatefile.Store, envs *indexenv.Pool, reg Registry, cfg Config) *Processor {
	if cfg.WorkerThreadCount <= 0 {
		cfg.WorkerThreadCount = 1
	}
	if cfg.CancelCheckInterval <= 0 {
		cfg.CancelCheckInterval = 64
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Processor{
		store:       s,
		updateFiles: uf,
		indexEnvs:   envs,
		registry:    reg,
		cfg:         cfg,
		logger:      log.With().Str("component", "processor").Logger(),
		wake:        make(chan struct{}, 1),
		wakeRate:    rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		stopCh:      make(chan struct{}),
	}
}

// Signal wakes the processor loop promptly instead of waiting for the next
// tick; rate-limited so a burst of enqueues coalesces into one wake.
func (p *Processor) Signal() {
	if !p.wakeRate.Allow() {
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Progress returns the currently processing batch's coarse snapshot, or
// nil if idle.
func (p *Processor) Progress() *Progress { return p.progress.Snapshot() }

// Start runs the recovery pass then the main loop in a background
// goroutine.
func (p *Processor) Start() error {
	if err := p.recoverAfterCrash(); err != nil {
		return fmt.Errorf("processor startup recovery: %w", err)
	}
	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop signals the loop to exit and waits for it to finish the batch it
// might be mid-way through.
func (p *Processor) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// recoverAfterCrash demotes any Processing task back to Enqueued and
// clears its batch_uid, per spec §7: the write txn that would have
// recorded a terminal status never committed, so work must be retried.
func (p *Processor) recoverAfterCrash() error {
	bm, err := p.store.FilterTasks(store.Query{Statuses: []task.Status{task.StatusProcessing}})
	if err != nil {
		return err
	}
	it := bm.Iterator()
	for it.HasNext() {
		uid := it.Next()
		t, err := p.store.GetTask(uid)
		if err != nil {
			return err
		}
		if t == nil {
			continue
		}
		p.logger.Warn().Uint32("task_uid", uid).Msg("demoting Processing task found at startup back to Enqueued")
		t.Status = task.StatusEnqueued
		t.BatchUID = nil
		if err := p.store.UpdateTask(t); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.wake:
		case <-ticker.C:
		}
		for p.runOnce() {
			// Drain back-to-back eligible batches before sleeping again,
			// so a burst of enqueues doesn't wait for the next tick.
			select {
			case <-p.stopCh:
				return
			default:
			}
		}
	}
}

// runOnce performs one iteration of spec §4.4's main loop pseudocode. It
// returns true if a batch was found and processed (so the caller should
// immediately check for more work).
func (p *Processor) runOnce() bool {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			p.logger.Error().Interface("panic", r).Msg("recovered panic in processor loop")
		}
	}()

	enqueued, err := p.loadEnqueued()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to load enqueued tasks")
		observability.RecordLoopIteration(context.Background(), false)
		return false
	}
	if len(enqueued) == 0 {
		observability.RecordLoopIteration(context.Background(), false)
		return false
	}

	sel := batch.Next(enqueued)
	if sel == nil || len(sel.Tasks) == 0 {
		observability.RecordLoopIteration(context.Background(), false)
		return false
	}

	if sel.Kind == task.KindTaskCancellation {
		p.applyTaskCancellationInline(sel.Tasks)
		observability.RecordLoopIteration(context.Background(), true)
		return true
	}

	batchUID, err := p.store.NextBatchUID()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to reserve batch uid")
		observability.RecordLoopIteration(context.Background(), false)
		return false
	}
	pb := batch.NewProcessingBatch(batchUID)

	if err := p.claimBatch(pb, sel.Tasks); err != nil {
		p.logger.Error().Err(err).Uint32("batch_uid", batchUID).Msg("failed to claim batch")
		observability.RecordLoopIteration(context.Background(), false)
		return false
	}

	started := time.Now()
	p.progress.set(&Progress{BatchUID: batchUID, Step: "processing", TasksTotal: len(sel.Tasks)})
	func() {
		defer func() {
			if r := recover(); r != nil {
				sentry.CurrentHub().Recover(r)
				p.logger.Error().Interface("panic", r).Uint32("batch_uid", batchUID).Msg("recovered panic in batch")
				now := time.Now().UTC()
				for _, t := range sel.Tasks {
					if !t.Status.IsTerminal() {
						t.Status, t.Error, t.FinishedAt = task.StatusFailed, task.ErrPanicRecovered(fmt.Sprint(r)), &now
					}
				}
			}
		}()
		p.processBatch(pb, sel)
	}()
	p.progress.clear()

	if err := p.finishBatch(pb, sel.Tasks); err != nil {
		p.logger.Error().Err(err).Uint32("batch_uid", batchUID).Msg("failed to finish batch")
	}
	observability.RecordBatchProcessed(context.Background(), string(sel.Kind), time.Since(started).Seconds(), len(sel.Tasks))
	observability.RecordLoopIteration(context.Background(), true)
	return true
}

func (p *Processor) loadEnqueued() ([]*task.Task, error) {
	bm, err := p.store.FilterTasks(store.Query{Statuses: []task.Status{task.StatusEnqueued}})
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	it := bm.Iterator()
	for it.HasNext() {
		t, err := p.store.GetTask(it.Next())
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// claimBatch marks every selected task Processing and commits, releasing
// the write txn before the expensive indexer work begins (spec §4.4).
func (p *Processor) claimBatch(pb *batch.ProcessingBatch, tasks []*task.Task) error {
	for _, t := range tasks {
		if t.Kind == task.KindTaskCancellation || t.Kind == task.KindTaskDeletion {
			store.FilterOutReferencesToNewerTasks(t)
		}
		pb.Claim(t)
		t.Status = task.StatusProcessing
		if err := p.store.UpdateTask(t); err != nil {
			return err
		}
	}
	observability.RecordQueueDepthDelta(context.Background(), -int64(len(tasks)))

	p.mu.Lock()
	p.curFlag = &cancelFlag{}
	p.curTargets = make(map[uint32]bool, len(tasks))
	for _, t := range tasks {
		p.curTargets[t.UID] = true
	}
	p.mu.Unlock()
	return nil
}

// finishBatch writes every task's terminal status, the durable Batch
// record, and deletes update files owned by terminal tasks.
func (p *Processor) finishBatch(pb *batch.ProcessingBatch, tasks []*task.Task) error {
	pb.Finish()
	pb.Update(tasks)

	for _, t := range tasks {
		if err := p.store.UpdateTask(t); err != nil {
			return err
		}
		if t.Status.IsTerminal() && t.Details.UpdateFileUUID != "" {
			if err := p.updateFiles.Delete(t.Details.UpdateFileUUID); err != nil {
				p.logger.Warn().Err(err).Str("update_file", t.Details.UpdateFileUUID).Msg("failed to delete terminal task's update file")
			}
		}
	}
	if err := p.store.WriteBatch(pb.ToRecord()); err != nil {
		return err
	}

	p.mu.Lock()
	p.curFlag = nil
	p.curTargets = nil
	p.mu.Unlock()
	return nil
}

// CancelRequested notifies the processor that a TaskCancellation targets
// taskUID currently being processed; the relevant suspension-point checks
// observe this on their next poll (spec §5 cancellation semantics).
func (p *Processor) CancelRequested(taskUID uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.curTargets == nil || !p.curTargets[taskUID] {
		return false
	}
	p.curFlag.set()
	return true
}

func (p *Processor) currentCancelFlag() *cancelFlag {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curFlag
}
