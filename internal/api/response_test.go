package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRequestID(req *http.Request, id string) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), requestIDKey, id))
}

func TestWriteSuccess(t *testing.T) {
	req := withRequestID(httptest.NewRequest(http.MethodGet, "/test", nil), "req-1")
	rec := httptest.NewRecorder()

	WriteSuccess(rec, req, map[string]int{"count": 3}, "ok")

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp SuccessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "req-1", resp.RequestID)
}

func TestWriteCreatedStatusCode(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	rec := httptest.NewRecorder()

	WriteCreated(rec, req, map[string]string{"uid": "1"}, "created")

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestWriteNoContentHasEmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/test", nil)
	rec := httptest.NewRecorder()

	WriteNoContent(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestWriteHealthy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	WriteHealthy(rec, req, "taskcore")

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "taskcore", resp.Service)
}

func TestWriteUnhealthy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	WriteUnhealthy(rec, req, "taskcore", errors.New("registry unreachable"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "unhealthy", resp["status"])
	assert.Equal(t, "registry unreachable", resp["error"])
}
