package task

import "fmt"

// Class distinguishes errors an operator can act on from ones a caller can
// retry from ones that signal a bug, mirroring the three buckets spec §7
// requires every failure to fall into.
type Class string

const (
	// ClassUser marks a bad request: unknown index, malformed filter,
	// invalid task kind transition. Never retried automatically.
	ClassUser Class = "user"
	// ClassResource marks exhaustion the operator should provision around:
	// disk full, index_count exceeded, cache spilled and still over budget.
	ClassResource Class = "resource"
	// ClassSystem marks an unexpected internal failure: corrupt bucket,
	// panic recovered mid-batch, KV env open failure.
	ClassSystem Class = "system"
)

// Error is the typed failure attached to a Task's Error field and returned
// from store/batcher/processor operations that can fail in a way a caller
// should be able to branch on.
type Error struct {
	Class   Class  `json:"class"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Class, e.Message, e.Code)
}

func newError(class Class, code, format string, args ...any) *Error {
	return &Error{Class: class, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Well-known error codes referenced by store/batch/processor.
const (
	CodeIndexNotFound      = "index_not_found"
	CodeIndexAlreadyExists = "index_already_exists"
	CodeInvalidTaskFilter  = "invalid_task_filter"
	CodeUnknownTaskUID     = "unknown_task_uid"
	CodeIndexCountExceeded = "index_count_exceeded"
	CodeCacheMemoryLimit   = "cache_memory_limit"
	CodeStoreCorrupt       = "store_corrupt"
	CodePanicRecovered     = "panic_recovered"
	CodeDocumentInvalid    = "document_invalid"
	CodeNotImplemented     = "not_implemented"
)

func ErrIndexNotFound(indexUID string) *Error {
	return newError(ClassUser, CodeIndexNotFound, "index %q not found", indexUID)
}

func ErrIndexAlreadyExists(indexUID string) *Error {
	return newError(ClassUser, CodeIndexAlreadyExists, "index %q already exists", indexUID)
}

func ErrInvalidTaskFilter(reason string) *Error {
	return newError(ClassUser, CodeInvalidTaskFilter, "invalid task filter: %s", reason)
}

func ErrUnknownTaskUID(uid uint32) *Error {
	return newError(ClassUser, CodeUnknownTaskUID, "unknown task uid %d", uid)
}

func ErrIndexCountExceeded(limit int) *Error {
	return newError(ClassResource, CodeIndexCountExceeded, "index_count limit of %d exceeded", limit)
}

func ErrCacheMemoryLimit(bytes uint64) *Error {
	return newError(ClassResource, CodeCacheMemoryLimit, "cache exceeded max_memory of %d bytes and could not spill", bytes)
}

func ErrStoreCorrupt(detail string) *Error {
	return newError(ClassSystem, CodeStoreCorrupt, "store corrupt: %s", detail)
}

func ErrPanicRecovered(detail string) *Error {
	return newError(ClassSystem, CodePanicRecovered, "recovered panic: %s", detail)
}

func ErrDocumentInvalid(reason string) *Error {
	return newError(ClassUser, CodeDocumentInvalid, "document invalid: %s", reason)
}

// ErrNotImplemented marks a task kind that is part of the closed Kind set
// but whose handler is a deliberate non-goal (see DESIGN.md).
func ErrNotImplemented(feature string) *Error {
	return newError(ClassUser, CodeNotImplemented, "%s is not implemented", feature)
}
