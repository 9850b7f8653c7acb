// Package api exposes the inbound HTTP surface spec §6.1 defines: enqueuing
// tasks, listing/inspecting them, canceling or deleting by filter, and
// streaming update-file payloads in. It never reaches into the index KV
// store directly — every mutation goes through a task enqueue so the
// processor remains the only writer.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/textgrain/taskcore/internal/processor"
	"github.com/textgrain/taskcore/internal/store"
	"github.com/textgrain/taskcore/internal/task"
	"github.com/textgrain/taskcore/internal/updatefile"
)

// IndexChecker is the subset of internal/registry the API layer needs to
// reject enqueues against indexes that don't exist, without taking a
// compile-time dependency on the registry's Postgres implementation.
type IndexChecker interface {
	IndexExists(ctx context.Context, indexUID string) (bool, error)
}

// Handler holds the dependencies every task-API endpoint needs.
type Handler struct {
	Store       *store.Store
	UpdateFiles *updatefile.Store
	Processor   *processor.Processor
	Index       IndexChecker
}

// NewHandler builds a Handler.
func NewHandler(st *store.Store, uf *updatefile.Store, proc *processor.Processor, idx IndexChecker) *Handler {
	return &Handler{Store: st, UpdateFiles: uf, Processor: proc, Index: idx}
}

// Routes registers every endpoint onto mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/v1/tasks", h.TasksCollection) // POST enqueue, GET list
	mux.HandleFunc("/v1/tasks/", h.TaskItem)       // GET /v1/tasks/{uid}
	mux.HandleFunc("/v1/tasks/cancel", h.CancelTasks)
	mux.HandleFunc("/v1/tasks/delete", h.DeleteTasks)
	mux.HandleFunc("/v1/update-files", h.CreateUpdateFile)
	mux.HandleFunc("/v1/batches/", h.GetBatch)
	mux.HandleFunc("/v1/progress", h.GetProgress)
	mux.HandleFunc("/v1/progress/stream", h.StreamProgress)
}

// HealthCheck reports liveness only; it does not probe the registry or
// bbolt files.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteHealthy(w, r, "taskcore")
}

// enqueueTaskRequest mirrors task.Details but keeps the wire shape decoupled
// from the internal struct so renaming a Details field doesn't silently
// change the API contract.
type enqueueTaskRequest struct {
	Kind           task.Kind `json:"kind"`
	IndexUID       string    `json:"indexUid,omitempty"`
	SwapIndexUID   string    `json:"swapIndexUid,omitempty"`
	PrimaryKey     string    `json:"primaryKey,omitempty"`
	UpdateFileUUID string    `json:"updateFileUuid,omitempty"`
	Filter         string    `json:"filter,omitempty"`
	DumpUID        string    `json:"dumpUid,omitempty"`
	SnapshotUID    string    `json:"snapshotUid,omitempty"`
}

// TasksCollection handles enqueue_task (POST) and list_tasks (GET).
func (h *Handler) TasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.enqueueTask(w, r)
	case http.MethodGet:
		h.listTasks(w, r)
	default:
		MethodNotAllowed(w, r)
	}
}

func (h *Handler) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "malformed request body")
		return
	}
	if req.Kind == "" {
		BadRequest(w, r, "kind is required")
		return
	}
	if req.Kind == task.KindTaskCancellation || req.Kind == task.KindTaskDeletion {
		BadRequest(w, r, "use /v1/tasks/cancel or /v1/tasks/delete for "+string(req.Kind))
		return
	}
	if req.Kind.IsIndexScoped() && req.IndexUID == "" {
		BadRequest(w, r, "indexUid is required for "+string(req.Kind))
		return
	}
	if req.Kind != task.KindIndexCreation && req.IndexUID != "" && h.Index != nil {
		exists, err := h.Index.IndexExists(r.Context(), req.IndexUID)
		if err != nil {
			InternalError(w, r, err)
			return
		}
		if !exists {
			WriteTaskError(w, r, task.ErrIndexNotFound(req.IndexUID))
			return
		}
	}
	if req.Kind == task.KindIndexSwap && req.IndexUID == req.SwapIndexUID {
		WriteTaskError(w, r, task.ErrDocumentInvalid("swapIndexUid must differ from indexUid"))
		return
	}

	t, err := h.Store.Enqueue(req.Kind, task.Details{
		IndexUID:       req.IndexUID,
		SwapIndexUID:   req.SwapIndexUID,
		PrimaryKey:     req.PrimaryKey,
		UpdateFileUUID: req.UpdateFileUUID,
		Filter:         req.Filter,
		DumpUID:        req.DumpUID,
		SnapshotUID:    req.SnapshotUID,
	})
	if err != nil {
		WriteTaskError(w, r, err)
		return
	}
	if h.Processor != nil {
		h.Processor.Signal()
	}
	WriteCreated(w, r, t, "task enqueued")
}

// taskFilterRequest is the JSON shape list_tasks/cancel_tasks/delete_tasks
// share for their filter query, plus list_tasks' pagination fields.
type taskFilterRequest struct {
	Statuses   []task.Status `json:"status,omitempty"`
	Kinds      []task.Kind   `json:"kind,omitempty"`
	IndexUIDs  []string      `json:"indexUid,omitempty"`
	CanceledBy []uint32      `json:"canceledBy,omitempty"`
	BatchUIDs  []uint32      `json:"batchUid,omitempty"`
	UIDFrom    *uint32       `json:"uidFrom,omitempty"`
	UIDTo      *uint32       `json:"uidTo,omitempty"`

	EnqueuedAfter  time.Time `json:"enqueuedAfter,omitempty"`
	EnqueuedBefore time.Time `json:"enqueuedBefore,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func (f taskFilterRequest) toQuery() store.Query {
	return store.Query{
		Statuses:       f.Statuses,
		Kinds:          f.Kinds,
		IndexUIDs:      f.IndexUIDs,
		CanceledBy:     f.CanceledBy,
		BatchUIDs:      f.BatchUIDs,
		UIDFrom:        f.UIDFrom,
		UIDTo:          f.UIDTo,
		EnqueuedAfter:  f.EnqueuedAfter,
		EnqueuedBefore: f.EnqueuedBefore,
	}
}

// filterFromRequest decodes a taskFilterRequest from either a JSON body
// (POST, used by cancel/delete) or query-string parameters (GET, used by
// list), since list_tasks is commonly called without a body.
func filterFromRequest(r *http.Request) (taskFilterRequest, error) {
	var f taskFilterRequest
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			return f, err
		}
		return f, nil
	}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, task.Status(s))
		}
	}
	if v := q.Get("kind"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Kinds = append(f.Kinds, task.Kind(s))
		}
	}
	if v := q.Get("indexUid"); v != "" {
		f.IndexUIDs = strings.Split(v, ",")
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	return f, nil
}

type listTasksResponse struct {
	Tasks      []*task.Task `json:"tasks"`
	NextOffset *int         `json:"next_offset,omitempty"`
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromRequest(r)
	if err != nil {
		BadRequest(w, r, "malformed filter")
		return
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}

	bitmap, err := h.Store.FilterTasks(f.toQuery())
	if err != nil {
		WriteTaskError(w, r, err)
		return
	}

	uids := bitmap.ToArray()
	start := f.Offset
	if start > len(uids) {
		start = len(uids)
	}
	end := start + f.Limit
	if end > len(uids) {
		end = len(uids)
	}
	page := uids[start:end]

	tasks := make([]*task.Task, 0, len(page))
	for _, uid := range page {
		t, err := h.Store.GetTask(uid)
		if err != nil {
			WriteTaskError(w, r, err)
			return
		}
		tasks = append(tasks, t)
	}

	resp := listTasksResponse{Tasks: tasks}
	if end < len(uids) {
		next := end
		resp.NextOffset = &next
	}
	WriteSuccess(w, r, resp, "")
}

// TaskItem handles get_task: GET /v1/tasks/{uid}.
func (h *Handler) TaskItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	uid, ok := pathSuffixUint32(r.URL.Path, "/v1/tasks/")
	if !ok {
		NotFound(w, r, "task uid required")
		return
	}
	t, err := h.Store.GetTask(uid)
	if err != nil {
		WriteTaskError(w, r, err)
		return
	}
	if t == nil {
		NotFound(w, r, "task not found")
		return
	}
	WriteSuccess(w, r, t, "")
}

// CancelTasks handles cancel_tasks: resolves the filter to a concrete uid
// set up front and enqueues a single TaskCancellation carrying them, since
// the cancellation task itself must not match its own targets as it runs.
func (h *Handler) CancelTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	h.enqueueFilterTargeted(w, r, task.KindTaskCancellation)
}

// DeleteTasks handles delete_tasks.
func (h *Handler) DeleteTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	h.enqueueFilterTargeted(w, r, task.KindTaskDeletion)
}

func (h *Handler) enqueueFilterTargeted(w http.ResponseWriter, r *http.Request, kind task.Kind) {
	f, err := filterFromRequest(r)
	if err != nil {
		BadRequest(w, r, "malformed filter")
		return
	}
	bitmap, err := h.Store.FilterTasks(f.toQuery())
	if err != nil {
		WriteTaskError(w, r, err)
		return
	}
	targets := bitmap.ToArray()
	if len(targets) == 0 {
		BadRequest(w, r, "filter matched no tasks")
		return
	}

	t, err := h.Store.Enqueue(kind, task.Details{TargetTaskUIDs: targets})
	if err != nil {
		WriteTaskError(w, r, err)
		return
	}
	if h.Processor != nil {
		h.Processor.Signal()
	}
	WriteCreated(w, r, t, "task enqueued")
}

type createUpdateFileResponse struct {
	UUID string `json:"uuid"`
	Size int64  `json:"size"`
}

// CreateUpdateFile handles create_update_file: the request body is streamed
// directly into a content-addressed blob, never buffered fully in memory.
func (h *Handler) CreateUpdateFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	handle, err := h.UpdateFiles.Create()
	if err != nil {
		InternalError(w, r, err)
		return
	}
	n, err := io.Copy(handle, r.Body)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if err := h.UpdateFiles.Persist(handle); err != nil {
		InternalError(w, r, err)
		return
	}
	WriteCreated(w, r, createUpdateFileResponse{UUID: handle.UUID, Size: n}, "update file created")
}

// GetBatch returns the durable record for a finished or in-flight batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	uid, ok := pathSuffixUint32(r.URL.Path, "/v1/batches/")
	if !ok {
		NotFound(w, r, "batch uid required")
		return
	}
	b, err := h.Store.GetBatch(uid)
	if err != nil {
		WriteTaskError(w, r, err)
		return
	}
	if b == nil {
		NotFound(w, r, "batch not found")
		return
	}

	resp := map[string]any{"batch": b}
	if h.Processor != nil {
		if p := h.Processor.Progress(); p != nil && p.BatchUID == uid {
			resp["progress"] = p
		}
	}
	WriteSuccess(w, r, resp, "")
}

// GetProgress returns a one-shot snapshot of the currently processing
// batch, or null if the processor is idle.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if h.Processor == nil {
		WriteSuccess(w, r, nil, "")
		return
	}
	WriteSuccess(w, r, h.Processor.Progress(), "")
}

func pathSuffixUint32(path, prefix string) (uint32, bool) {
	if !strings.HasPrefix(path, prefix) {
		return 0, false
	}
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(tail, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

