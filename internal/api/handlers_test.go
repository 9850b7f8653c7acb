package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textgrain/taskcore/internal/store"
	"github.com/textgrain/taskcore/internal/task"
	"github.com/textgrain/taskcore/internal/updatefile"
)

type alwaysExists struct{ exists bool }

func (a alwaysExists) IndexExists(ctx context.Context, indexUID string) (bool, error) {
	return a.exists, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tasks.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	uf, err := updatefile.Open(filepath.Join(dir, "updates"))
	require.NoError(t, err)

	return NewHandler(st, uf, nil, alwaysExists{exists: true})
}

func decodeSuccess(t *testing.T, rec *httptest.ResponseRecorder) SuccessResponse {
	t.Helper()
	var resp SuccessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestEnqueueTaskRejectsMissingKind(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()

	h.TasksCollection(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueTaskRejectsIndexScopedWithoutIndexUID(t *testing.T) {
	h := newTestHandler(t)
	body := `{"kind":"settingsUpdate"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.TasksCollection(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueTaskRejectsUnknownIndex(t *testing.T) {
	h := newTestHandler(t)
	h.Index = alwaysExists{exists: false}

	body := `{"kind":"documentClear","indexUid":"movies"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.TasksCollection(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "index_not_found", resp.Code)
}

func TestEnqueueTaskSucceeds(t *testing.T) {
	h := newTestHandler(t)
	body := `{"kind":"indexCreation","indexUid":"movies","primaryKey":"id"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.TasksCollection(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeSuccess(t, rec)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "indexCreation", data["kind"])
	assert.Equal(t, "enqueued", data["status"])
}

func TestEnqueueTaskRejectsSwapOfIndexWithItself(t *testing.T) {
	h := newTestHandler(t)
	body := `{"kind":"indexSwap","indexUid":"a","swapIndexUid":"a"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.TasksCollection(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskRoundTrips(t *testing.T) {
	h := newTestHandler(t)
	enqueued, err := h.Store.Enqueue(task.KindIndexCreation, task.Details{IndexUID: "movies", PrimaryKey: "id"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/0", nil)
	rec := httptest.NewRecorder()
	h.TaskItem(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeSuccess(t, rec)
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(enqueued.UID), data["uid"])
}

func TestGetTaskMissingReturnsNotFound(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/999", nil)
	rec := httptest.NewRecorder()
	h.TaskItem(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksFiltersByKind(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.Store.Enqueue(task.KindIndexCreation, task.Details{IndexUID: "movies", PrimaryKey: "id"})
	require.NoError(t, err)
	_, err = h.Store.Enqueue(task.KindDumpCreation, task.Details{DumpUID: "dump-1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks?kind=dumpCreation", nil)
	rec := httptest.NewRecorder()
	h.TasksCollection(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeSuccess(t, rec)
	data := resp.Data.(map[string]any)
	tasks := data["tasks"].([]any)
	require.Len(t, tasks, 1)
	assert.Equal(t, "dumpCreation", tasks[0].(map[string]any)["kind"])
}

func TestCancelTasksRequiresNonEmptyMatch(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/cancel", bytes.NewBufferString(`{"status":["enqueued"]}`))
	rec := httptest.NewRecorder()

	h.CancelTasks(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTasksEnqueuesTaskCancellation(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.Store.Enqueue(task.KindIndexCreation, task.Details{IndexUID: "movies", PrimaryKey: "id"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/cancel", bytes.NewBufferString(`{"status":["enqueued"]}`))
	rec := httptest.NewRecorder()
	h.CancelTasks(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeSuccess(t, rec)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "taskCancellation", data["kind"])
}

func TestCreateUpdateFilePersistsBody(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/update-files", bytes.NewBufferString(`[{"id":1}]`))
	rec := httptest.NewRecorder()

	h.CreateUpdateFile(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeSuccess(t, rec)
	data := resp.Data.(map[string]any)
	uuid, _ := data["uuid"].(string)
	assert.NotEmpty(t, uuid)

	r, err := h.UpdateFiles.Open(uuid)
	require.NoError(t, err)
	defer r.Close()
}

func TestHealthCheckRejectsNonGet(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()

	h.HealthCheck(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
