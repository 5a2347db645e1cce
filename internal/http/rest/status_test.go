package rest_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zdm/zdm/internal/downloader"
	"github.com/zdm/zdm/internal/http/rest"
	"github.com/zdm/zdm/internal/storage/sqlite"
)

func newTestHandler() http.Handler {
	engine := downloader.New(http.DefaultClient, sqlite.NewOpener(), downloader.Config{
		PieceSize:   4 * 1024 * 1024,
		MaxParallel: 4,
		Timeout:     5 * time.Second,
	})

	return rest.NewStatusHandler(engine, nil).Routes()
}

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()

	newTestHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleStatus_Idle(t *testing.T) {
	rec := httptest.NewRecorder()

	newTestHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var statuses []downloader.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	assert.Empty(t, statuses)
}

func TestRoutes_NoMetricsWithoutTelemetry(t *testing.T) {
	rec := httptest.NewRecorder()

	newTestHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
