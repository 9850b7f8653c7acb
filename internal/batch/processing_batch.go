// Package batch implements the batcher's grouping policy (spec §4.3) and
// the RAM-only ProcessingBatch accumulator the processor drives through
// its Claim/Finish/Update lifecycle (spec §4.4, supplemented from
// original_source's ProcessingBatch).
package batch

import (
	"time"

	"github.com/textgrain/taskcore/internal/task"
)

// ProcessingBatch is the in-memory staging object the processor builds up
// while claiming tasks and tears down once they reach terminal status. It
// is never partially persisted — only Update's final snapshot is written
// via Store.WriteBatch.
type ProcessingBatch struct {
	UID        uint32
	Kinds      map[task.Kind]uint32
	IndexUIDs  map[string]uint32
	Statuses   map[task.Status]uint32
	TaskUIDs   []uint32
	EnqueuedAt time.Time // oldest EnqueuedAt among claimed tasks
	StartedAt  time.Time
	FinishedAt *time.Time

	// step is a coarse progress label set through SetStep and read through
	// Step. It is a plain field with no synchronization, and it is not
	// copied into the processor's published Progress snapshot, whose Step
	// stays "processing" for the whole batch.
	step string
}

// NewProcessingBatch starts accumulating a batch with the given uid.
func NewProcessingBatch(uid uint32) *ProcessingBatch {
	return &ProcessingBatch{
		UID:       uid,
		Kinds:     make(map[task.Kind]uint32),
		IndexUIDs: make(map[string]uint32),
		Statuses:  make(map[task.Status]uint32),
		StartedAt: time.Now().UTC(),
	}
}

// Claim folds one task into the batch: it is called once per task at claim
// time, before the task's status is set to Processing. It tracks the
// oldest EnqueuedAt across every claimed task (a batch's StartedAt must be
// >= every task's EnqueuedAt, spec §5).
func (pb *ProcessingBatch) Claim(t *task.Task) {
	pb.TaskUIDs = append(pb.TaskUIDs, t.UID)
	pb.Kinds[t.Kind]++
	if idx := t.Details.IndexUID; idx != "" {
		pb.IndexUIDs[idx]++
	}
	if pb.EnqueuedAt.IsZero() || t.EnqueuedAt.Before(pb.EnqueuedAt) {
		pb.EnqueuedAt = t.EnqueuedAt
	}
	t.BatchUID = &pb.UID
}

// SetStep records the current coarse progress label for live inspection.
func (pb *ProcessingBatch) SetStep(step string) { pb.step = step }

// Step returns the current progress label, or "" before processing starts.
func (pb *ProcessingBatch) Step() string { return pb.step }

// Finish stamps FinishedAt. It leaves the accumulated counters alone; the
// Statuses tally is rebuilt from final task statuses by Update.
func (pb *ProcessingBatch) Finish() {
	now := time.Now().UTC()
	pb.FinishedAt = &now
}

// Update re-stamps every claimed task's BatchUID/StartedAt/FinishedAt and
// rebuilds the Statuses tally from their final state. The processor
// passes exactly the tasks it claimed; TaskCancellation runs inline and
// never joins a batch.
func (pb *ProcessingBatch) Update(tasks []*task.Task) {
	pb.Statuses = make(map[task.Status]uint32)
	for _, t := range tasks {
		t.BatchUID = &pb.UID
		if t.StartedAt == nil {
			t.StartedAt = &pb.StartedAt
		}
		if t.Status.IsTerminal() && t.FinishedAt == nil {
			t.FinishedAt = pb.FinishedAt
		}
		pb.Statuses[t.Status]++
	}
}

// ToRecord builds the durable Batch record written once Update has run.
func (pb *ProcessingBatch) ToRecord() *task.Batch {
	return &task.Batch{
		UID:        pb.UID,
		TaskUIDs:   pb.TaskUIDs,
		Kinds:      pb.Kinds,
		IndexUIDs:  pb.IndexUIDs,
		Statuses:   pb.Statuses,
		EnqueuedAt: pb.EnqueuedAt,
		StartedAt:  pb.StartedAt,
		FinishedAt: pb.FinishedAt,
	}
}
