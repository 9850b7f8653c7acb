package processor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/textgrain/taskcore/internal/indexenv"
	"github.com/textgrain/taskcore/internal/store"
	"github.com/textgrain/taskcore/internal/task"
	"github.com/textgrain/taskcore/internal/updatefile"
)

// stubRegistry satisfies the Registry interface without touching Postgres.
type stubRegistry struct {
	created  []string
	deleted  []string
	swapped  [][2]string
	dumps    []string
	snapshots []string
}

func (s *stubRegistry) RecordIndexCreated(ctx context.Context, indexUID, primaryKey string) error {
	s.created = append(s.created, indexUID)
	return nil
}
func (s *stubRegistry) RecordIndexDeleted(ctx context.Context, indexUID string) error {
	s.deleted = append(s.deleted, indexUID)
	return nil
}
func (s *stubRegistry) RecordIndexSwapped(ctx context.Context, a, b string) error {
	s.swapped = append(s.swapped, [2]string{a, b})
	return nil
}
func (s *stubRegistry) RecordDumpCreated(ctx context.Context, dumpUID string) error {
	s.dumps = append(s.dumps, dumpUID)
	return nil
}
func (s *stubRegistry) RecordSnapshotCreated(ctx context.Context, snapshotUID string) error {
	s.snapshots = append(s.snapshots, snapshotUID)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *store.Store, *updatefile.Store, *stubRegistry) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "tasks.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	uf, err := updatefile.Open(filepath.Join(dir, "update_files"))
	require.NoError(t, err)

	envs := indexenv.NewPool(filepath.Join(dir, "indexes"), 0, 0)
	t.Cleanup(func() { envs.CloseAll() })

	reg := &stubRegistry{}
	p := New(st, uf, envs, reg, Config{
		WorkerThreadCount: 2,
		MaxMemoryPerBatch: 1 << 20,
		ScratchDir:        filepath.Join(dir, "scratch"),
		TickInterval:      10 * time.Millisecond,
	})
	return p, st, uf, reg
}

func writeUpdateFile(t *testing.T, uf *updatefile.Store, docs []map[string]any) string {
	t.Helper()
	h, err := uf.Create()
	require.NoError(t, err)
	body, err := json.Marshal(docs)
	require.NoError(t, err)
	_, err = h.Write(body)
	require.NoError(t, err)
	require.NoError(t, uf.Persist(h))
	return h.UUID
}

func TestDocumentAddOrUpdateIndexesAndSucceeds(t *testing.T) {
	p, st, uf, _ := newTestProcessor(t)

	_, err := st.Enqueue(task.KindIndexCreation, task.Details{IndexUID: "movies", PrimaryKey: "id"})
	require.NoError(t, err)

	uuid := writeUpdateFile(t, uf, []map[string]any{
		{"id": float64(1), "title": "the matrix"},
		{"id": float64(2), "title": "the matrix reloaded"},
	})
	_, err = st.Enqueue(task.KindDocumentAddOrUpdate, task.Details{IndexUID: "movies", UpdateFileUUID: uuid})
	require.NoError(t, err)

	require.True(t, p.runOnce()) // IndexCreation
	require.True(t, p.runOnce()) // DocumentAddOrUpdate

	tasks, err := allTasksByKind(st, task.KindDocumentAddOrUpdate)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, task.StatusSucceeded, tasks[0].Status)
}

func TestSettingsUpdatesCoalesceIntoOneBatch(t *testing.T) {
	p, st, _, _ := newTestProcessor(t)

	_, err := st.Enqueue(task.KindIndexCreation, task.Details{IndexUID: "movies", PrimaryKey: "id"})
	require.NoError(t, err)
	require.True(t, p.runOnce())

	for i := 0; i < 3; i++ {
		_, err := st.Enqueue(task.KindSettingsUpdate, task.Details{IndexUID: "movies", PrimaryKey: "imdb_id"})
		require.NoError(t, err)
	}

	require.True(t, p.runOnce())

	tasks, err := allTasksByKind(st, task.KindSettingsUpdate)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	batchUID := tasks[0].BatchUID
	require.NotNil(t, batchUID)
	for _, tk := range tasks {
		require.Equal(t, task.StatusSucceeded, tk.Status)
		require.Equal(t, *batchUID, *tk.BatchUID)
	}
}

func TestDocumentClearAbsorbsPendingAdds(t *testing.T) {
	p, st, uf, _ := newTestProcessor(t)

	_, err := st.Enqueue(task.KindIndexCreation, task.Details{IndexUID: "movies", PrimaryKey: "id"})
	require.NoError(t, err)
	require.True(t, p.runOnce())

	uuid := writeUpdateFile(t, uf, []map[string]any{{"id": float64(1), "title": "dune"}})
	_, err = st.Enqueue(task.KindDocumentAddOrUpdate, task.Details{IndexUID: "movies", UpdateFileUUID: uuid})
	require.NoError(t, err)
	_, err = st.Enqueue(task.KindDocumentClear, task.Details{IndexUID: "movies"})
	require.NoError(t, err)

	require.True(t, p.runOnce())

	addTasks, err := allTasksByKind(st, task.KindDocumentAddOrUpdate)
	require.NoError(t, err)
	require.Len(t, addTasks, 1)
	require.Equal(t, task.StatusSucceeded, addTasks[0].Status)

	clearTasks, err := allTasksByKind(st, task.KindDocumentClear)
	require.NoError(t, err)
	require.Len(t, clearTasks, 1)
	require.Equal(t, task.StatusSucceeded, clearTasks[0].Status)

	// Both tasks absorbed into the same batch.
	require.Equal(t, *addTasks[0].BatchUID, *clearTasks[0].BatchUID)

	// The superseded add's update file was deleted unread.
	_, err = uf.Open(uuid)
	require.Error(t, err)
}

func TestCancellationOfQueuedTaskNeverReachesProcessing(t *testing.T) {
	p, st, _, _ := newTestProcessor(t)

	_, err := st.Enqueue(task.KindIndexCreation, task.Details{IndexUID: "movies", PrimaryKey: "id"})
	require.NoError(t, err)

	target, err := st.Enqueue(task.KindSettingsUpdate, task.Details{IndexUID: "movies", PrimaryKey: "x"})
	require.NoError(t, err)

	_, err = st.Enqueue(task.KindTaskCancellation, task.Details{TargetTaskUIDs: []uint32{target.UID}})
	require.NoError(t, err)

	require.True(t, p.runOnce()) // cancellation runs inline before IndexCreation, since it is top priority

	reread, err := st.GetTask(target.UID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCanceled, reread.Status)
	require.Nil(t, reread.BatchUID)

	cancelTasks, err := allTasksByKind(st, task.KindTaskCancellation)
	require.NoError(t, err)
	require.Len(t, cancelTasks, 1)
	require.Equal(t, task.StatusSucceeded, cancelTasks[0].Status)
	require.Equal(t, 1, cancelTasks[0].Details.MatchedTasks)
}

func TestDocumentEditFailsWithNotImplemented(t *testing.T) {
	p, st, _, _ := newTestProcessor(t)

	_, err := st.Enqueue(task.KindIndexCreation, task.Details{IndexUID: "movies", PrimaryKey: "id"})
	require.NoError(t, err)
	require.True(t, p.runOnce())

	_, err = st.Enqueue(task.KindDocumentEdit, task.Details{IndexUID: "movies"})
	require.NoError(t, err)
	require.True(t, p.runOnce())

	tasks, err := allTasksByKind(st, task.KindDocumentEdit)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, task.StatusFailed, tasks[0].Status)
	require.NotNil(t, tasks[0].Error)
	require.Equal(t, task.CodeNotImplemented, tasks[0].Error.Code)
}

func TestRecoverAfterCrashDemotesProcessingTasks(t *testing.T) {
	p, st, _, _ := newTestProcessor(t)

	tk, err := st.Enqueue(task.KindIndexCreation, task.Details{IndexUID: "movies", PrimaryKey: "id"})
	require.NoError(t, err)
	tk.Status = task.StatusProcessing
	batchUID := uint32(7)
	tk.BatchUID = &batchUID
	require.NoError(t, st.UpdateTask(tk))

	require.NoError(t, p.recoverAfterCrash())

	reread, err := st.GetTask(tk.UID)
	require.NoError(t, err)
	require.Equal(t, task.StatusEnqueued, reread.Status)
	require.Nil(t, reread.BatchUID)
}

func allTasksByKind(st *store.Store, k task.Kind) ([]*task.Task, error) {
	bm, err := st.FilterTasks(store.Query{Kinds: []task.Kind{k}})
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	it := bm.Iterator()
	for it.HasNext() {
		t, err := st.GetTask(it.Next())
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}
