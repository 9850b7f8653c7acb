package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/textgrain/taskcore/internal/task"
)

func mkTask(uid uint32, kind task.Kind, details task.Details) *task.Task {
	return &task.Task{
		UID:        uid,
		Kind:       kind,
		Status:     task.StatusEnqueued,
		Details:    details,
		EnqueuedAt: time.Unix(int64(uid), 0),
	}
}

func TestNextReturnsNilOnEmptySet(t *testing.T) {
	require.Nil(t, Next(nil))
}

func TestCancellationHasTopPriority(t *testing.T) {
	tasks := []*task.Task{
		mkTask(0, task.KindSettingsUpdate, task.Details{IndexUID: "x"}),
		mkTask(1, task.KindTaskCancellation, task.Details{}),
	}
	sel := Next(tasks)
	require.Equal(t, task.KindTaskCancellation, sel.Kind)
	require.Len(t, sel.Tasks, 1)
}

func TestSettingsUpdatesCoalesceConsecutively(t *testing.T) {
	tasks := []*task.Task{
		mkTask(0, task.KindSettingsUpdate, task.Details{IndexUID: "x"}),
		mkTask(1, task.KindSettingsUpdate, task.Details{IndexUID: "x"}),
		mkTask(2, task.KindSettingsUpdate, task.Details{IndexUID: "x"}),
	}
	sel := Next(tasks)
	require.Equal(t, task.KindSettingsUpdate, sel.Kind)
	require.Len(t, sel.Tasks, 3)
}

func TestDocumentClearAbsorbsPendingAdds(t *testing.T) {
	tasks := []*task.Task{
		mkTask(0, task.KindDocumentClear, task.Details{IndexUID: "y"}),
		mkTask(1, task.KindDocumentAddOrUpdate, task.Details{IndexUID: "y", PrimaryKey: "id"}),
	}
	sel := Next(tasks)
	require.Equal(t, task.KindDocumentClear, sel.Kind)
	require.Len(t, sel.Tasks, 2)
}

func TestDocumentAddOrUpdateRequiresMatchingPrimaryKey(t *testing.T) {
	tasks := []*task.Task{
		mkTask(0, task.KindDocumentAddOrUpdate, task.Details{IndexUID: "y", PrimaryKey: "id"}),
		mkTask(1, task.KindDocumentAddOrUpdate, task.Details{IndexUID: "y", PrimaryKey: "other"}),
	}
	sel := Next(tasks)
	require.Equal(t, task.KindDocumentAddOrUpdate, sel.Kind)
	require.Len(t, sel.Tasks, 1)
	require.EqualValues(t, 0, sel.Tasks[0].UID)
}

func TestIndexDeletionAbsorbsAllPendingSameIndexTasks(t *testing.T) {
	tasks := []*task.Task{
		mkTask(0, task.KindIndexDeletion, task.Details{IndexUID: "z"}),
		mkTask(1, task.KindSettingsUpdate, task.Details{IndexUID: "z"}),
		mkTask(2, task.KindDocumentAddOrUpdate, task.Details{IndexUID: "z"}),
	}
	sel := Next(tasks)
	require.Equal(t, task.KindIndexDeletion, sel.Kind)
	require.Len(t, sel.Tasks, 3)
}

func TestIndexSwapRejectsOverlappingPairs(t *testing.T) {
	tasks := []*task.Task{
		mkTask(0, task.KindIndexSwap, task.Details{IndexUID: "a", SwapIndexUID: "b"}),
		mkTask(1, task.KindIndexSwap, task.Details{IndexUID: "b", SwapIndexUID: "c"}),
	}
	sel := Next(tasks)
	require.Equal(t, task.KindIndexSwap, sel.Kind)
	require.Len(t, sel.Tasks, 1)
}

func TestIndexSwapAllowsNonOverlappingPairs(t *testing.T) {
	tasks := []*task.Task{
		mkTask(0, task.KindIndexSwap, task.Details{IndexUID: "a", SwapIndexUID: "b"}),
		mkTask(1, task.KindIndexSwap, task.Details{IndexUID: "c", SwapIndexUID: "d"}),
	}
	sel := Next(tasks)
	require.Equal(t, task.KindIndexSwap, sel.Kind)
	require.Len(t, sel.Tasks, 2)
}

func TestProcessingBatchClaimTracksOldestEnqueuedAt(t *testing.T) {
	pb := NewProcessingBatch(0)
	t1 := mkTask(5, task.KindSettingsUpdate, task.Details{IndexUID: "x"})
	t2 := mkTask(2, task.KindSettingsUpdate, task.Details{IndexUID: "x"})
	pb.Claim(t1)
	pb.Claim(t2)
	require.True(t, pb.EnqueuedAt.Equal(t2.EnqueuedAt))
	require.EqualValues(t, 0, *t1.BatchUID)
}

func TestProcessingBatchUpdateStampsFinishedAtOnTerminalTasks(t *testing.T) {
	pb := NewProcessingBatch(1)
	tk := mkTask(0, task.KindSettingsUpdate, task.Details{IndexUID: "x"})
	pb.Claim(tk)
	tk.Status = task.StatusSucceeded
	pb.Finish()
	pb.Update([]*task.Task{tk})
	require.NotNil(t, tk.FinishedAt)
	require.Equal(t, uint32(1), pb.Statuses[task.StatusSucceeded])
}
