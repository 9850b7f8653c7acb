package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/textgrain/taskcore/internal/task"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteErrorMessage writes a standardised error response.
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, message string, status int, code string) {
	requestID := GetRequestID(r)

	log.Error().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Str("code", code).
		Str("message", message).
		Msg("api error response")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Status:    status,
		Message:   message,
		Code:      code,
		RequestID: requestID,
	}); err != nil {
		log.Error().Err(err).Msg("failed to encode error response")
	}
}

func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusBadRequest, "BAD_REQUEST")
}

func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusNotFound, "NOT_FOUND")
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteErrorMessage(w, r, "method not allowed", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")
}

func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	WriteErrorMessage(w, r, err.Error(), http.StatusInternalServerError, "INTERNAL_ERROR")
}

// WriteTaskError maps a domain *task.Error onto the right HTTP status,
// falling back to 500 for anything not already classified (spec §7's three
// error classes: user errors are caller mistakes, resource and system
// errors are ours).
func WriteTaskError(w http.ResponseWriter, r *http.Request, err error) {
	var terr *task.Error
	if errors.As(err, &terr) {
		status := http.StatusInternalServerError
		switch terr.Class {
		case task.ClassUser:
			status = http.StatusBadRequest
		case task.ClassResource:
			status = http.StatusServiceUnavailable
		case task.ClassSystem:
			status = http.StatusInternalServerError
		}
		WriteErrorMessage(w, r, terr.Message, status, terr.Code)
		return
	}
	InternalError(w, r, err)
}
