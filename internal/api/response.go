package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// SuccessResponse is the standard envelope every non-error response shares.
type SuccessResponse struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, r *http.Request, data interface{}, status int) {
	requestID := GetRequestID(r)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("failed to encode json response")
	}
}

// WriteSuccess writes a 200 success envelope.
func WriteSuccess(w http.ResponseWriter, r *http.Request, data interface{}, message string) {
	WriteJSON(w, r, SuccessResponse{
		Status:    "success",
		Data:      data,
		Message:   message,
		RequestID: GetRequestID(r),
	}, http.StatusOK)
}

// WriteCreated writes a 201 success envelope.
func WriteCreated(w http.ResponseWriter, r *http.Request, data interface{}, message string) {
	WriteJSON(w, r, SuccessResponse{
		Status:    "success",
		Data:      data,
		Message:   message,
		RequestID: GetRequestID(r),
	}, http.StatusCreated)
}

// WriteNoContent writes a bare 204.
func WriteNoContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// HealthResponse is returned by the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// WriteHealthy writes a 200 health response.
func WriteHealthy(w http.ResponseWriter, r *http.Request, service string) {
	WriteJSON(w, r, HealthResponse{Status: "healthy", Service: service}, http.StatusOK)
}

// WriteUnhealthy writes a 503 health response carrying the failure.
func WriteUnhealthy(w http.ResponseWriter, r *http.Request, service string, err error) {
	WriteJSON(w, r, map[string]any{
		"status":     "unhealthy",
		"service":    service,
		"error":      err.Error(),
		"request_id": GetRequestID(r),
	}, http.StatusServiceUnavailable)
}
