// Package task defines the domain types shared by the store, batcher and
// processor: the task queue's row shape, the closed set of task kinds, and
// the status lifecycle every task moves through.
package task

import "time"

// Status is the lifecycle state of a Task. A task starts Enqueued, is
// claimed into Processing by the processor loop, and ends in exactly one
// terminal state.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Kind is the closed set of operations a task may represent. The batcher's
// compatibility rules switch on Kind, so this set must stay closed — adding
// a new kind means updating the batcher's priority table too.
type Kind string

const (
	KindDocumentAddOrUpdate     Kind = "documentAddOrUpdate"
	KindDocumentEdit            Kind = "documentEdit"
	KindDocumentDeletion        Kind = "documentDeletion"
	KindDocumentDeletionByFilter Kind = "documentDeletionByFilter"
	KindDocumentClear           Kind = "documentClear"
	KindSettingsUpdate          Kind = "settingsUpdate"
	KindIndexCreation           Kind = "indexCreation"
	KindIndexUpdate             Kind = "indexUpdate"
	KindIndexDeletion           Kind = "indexDeletion"
	KindIndexSwap               Kind = "indexSwap"
	KindTaskCancellation        Kind = "taskCancellation"
	KindTaskDeletion            Kind = "taskDeletion"
	KindDumpCreation            Kind = "dumpCreation"
	KindSnapshotCreation        Kind = "snapshotCreation"
)

// indexScoped is the set of kinds that target a single index_uid. Used by
// the batcher to decide whether two tasks can share a batch.
var indexScoped = map[Kind]bool{
	KindDocumentAddOrUpdate:      true,
	KindDocumentEdit:             true,
	KindDocumentDeletion:         true,
	KindDocumentDeletionByFilter: true,
	KindDocumentClear:            true,
	KindSettingsUpdate:           true,
	KindIndexCreation:            true,
	KindIndexDeletion:            true,
	KindIndexUpdate:              true,
}

// IsIndexScoped reports whether tasks of this kind carry an IndexUID.
func (k Kind) IsIndexScoped() bool { return indexScoped[k] }

// Details carries kind-specific payload references. Exactly the fields
// relevant to Kind are populated; the rest stay zero.
type Details struct {
	// IndexUID is set for index-scoped kinds.
	IndexUID string `json:"indexUid,omitempty"`
	// SwapIndexUID is the other side of an IndexSwap.
	SwapIndexUID string `json:"swapIndexUid,omitempty"`
	// PrimaryKey is set for IndexCreation and DocumentAddOrUpdate when the
	// caller supplies or infers one.
	PrimaryKey string `json:"primaryKey,omitempty"`
	// UpdateFileUUID references the payload stored by internal/updatefile,
	// set for DocumentAddOrUpdate, DocumentEdit and DocumentDeletion (by-id
	// list). DocumentDeletionByFilter carries Filter instead.
	UpdateFileUUID string `json:"updateFileUuid,omitempty"`
	// Filter is a serialized document-id filter for DocumentDeletionByFilter.
	Filter string `json:"filter,omitempty"`
	// TargetTaskUIDs names the uids a TaskCancellation/TaskDeletion targets,
	// already clamped by filter_out_references_to_newer_tasks.
	TargetTaskUIDs []uint32 `json:"targetTaskUids,omitempty"`
	// MatchedTasks is the count of targets actually affected, filled in
	// once the cancellation/deletion task is claimed.
	MatchedTasks int `json:"matchedTasks,omitempty"`
	// DumpUID / SnapshotUID identify the artifact a registry record tracks.
	DumpUID     string `json:"dumpUid,omitempty"`
	SnapshotUID string `json:"snapshotUid,omitempty"`
}

// Task is one row of the task queue. UID is dense and monotonically
// assigned by the store; it is also the task's sort/pagination key.
type Task struct {
	UID     uint32  `json:"uid"`
	Kind    Kind    `json:"kind"`
	Status  Status  `json:"status"`
	Details Details `json:"details"`

	// BatchUID is set once the task is claimed into a ProcessingBatch; it
	// stays set even after the task finishes, for history/filtering.
	BatchUID *uint32 `json:"batchUid,omitempty"`

	EnqueuedAt time.Time  `json:"enqueuedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	// Error is set only when Status == StatusFailed.
	Error *Error `json:"error,omitempty"`

	// CanceledBy is set when a TaskCancellation task ended this one early;
	// it names the canceling task's UID, not the one being canceled.
	CanceledBy *uint32 `json:"canceledBy,omitempty"`
}

// Batch is the durable record of a group of tasks processed together. It is
// written once, after the in-memory ProcessingBatch accumulator finishes;
// the accumulator itself never touches the store directly.
type Batch struct {
	UID uint32 `json:"uid"`

	// TaskUIDs lists every task claimed into this batch.
	TaskUIDs []uint32 `json:"taskUids"`

	// Kinds / IndexUIDs / Statuses summarize the batch contents, kept as
	// counts rather than full task copies to keep the durable record small.
	Kinds      map[Kind]uint32   `json:"kinds"`
	IndexUIDs  map[string]uint32 `json:"indexUids"`
	Statuses   map[Status]uint32 `json:"statuses"`

	EnqueuedAt time.Time  `json:"enqueuedAt"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// UpdateFile describes a content-addressed payload blob referenced by a
// task's Details.UpdateFileUUID. The store only ever sees the UUID; actual
// bytes live in internal/updatefile.
type UpdateFile struct {
	UUID      string    `json:"uuid"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int64     `json:"size"`
}
