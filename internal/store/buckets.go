package store

// Bucket names for the task environment, per spec §6.3. Batches get their
// own parallel set of buckets rather than sharing the task buckets, since a
// BatchId and a TaskId are drawn from independent counters.
var (
	bucketAllTasks    = []byte("all_tasks")
	bucketStatus      = []byte("status")       // key = Status value, value = bitmap
	bucketKind        = []byte("kind")         // key = Kind value, value = bitmap
	bucketIndexTasks  = []byte("index_tasks")  // key = index_uid, value = bitmap
	bucketEnqueuedAt  = []byte("enqueued_at")  // key = timeKey, value = bitmap
	bucketStartedAt   = []byte("started_at")
	bucketFinishedAt  = []byte("finished_at")
	bucketCanceledBy  = []byte("canceled_by") // key = canceling uid, value = bitmap
	bucketTaskCounter = []byte("task_counter")

	bucketAllBatches       = []byte("all_batches")
	bucketBatchStatus      = []byte("batch_status")
	bucketBatchKind        = []byte("batch_kind")
	bucketBatchIndexTasks  = []byte("batch_index_tasks")
	bucketBatchToTasks     = []byte("batch_to_tasks_mapping")
	bucketBatchEnqueuedAt  = []byte("batch_enqueued_at")
	bucketBatchStartedAt   = []byte("batch_started_at")
	bucketBatchFinishedAt  = []byte("batch_finished_at")
	bucketBatchCounter     = []byte("batch_counter")
)

// topLevelBuckets lists every bucket that must exist before the env is used;
// createBuckets is called once at Open.
var topLevelBuckets = [][]byte{
	bucketAllTasks, bucketStatus, bucketKind, bucketIndexTasks,
	bucketEnqueuedAt, bucketStartedAt, bucketFinishedAt, bucketCanceledBy,
	bucketTaskCounter,
	bucketAllBatches, bucketBatchStatus, bucketBatchKind, bucketBatchIndexTasks,
	bucketBatchToTasks, bucketBatchEnqueuedAt, bucketBatchStartedAt, bucketBatchFinishedAt,
	bucketBatchCounter,
}

const counterKey = "next"
