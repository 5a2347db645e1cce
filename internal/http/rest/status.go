package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zdm/zdm/internal/downloader"
	"github.com/zdm/zdm/internal/logctx"
	"github.com/zdm/zdm/internal/telemetry"
)

// StatusHandler exposes the live transfer state of the engine over HTTP.
type StatusHandler struct {
	engine    *downloader.Downloader
	telemetry *telemetry.Telemetry
}

func NewStatusHandler(engine *downloader.Downloader, tel *telemetry.Telemetry) *StatusHandler {
	return &StatusHandler{
		engine:    engine,
		telemetry: tel,
	}
}

func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)
	r.Get("/status", h.HandleStatus)

	if h.telemetry != nil {
		r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())
	}

	return r
}

func (h *StatusHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// HandleStatus reports every in-flight transfer as a JSON array.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	statuses := h.engine.Active()

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		logger.Error("failed to encode status response", "err", err)
	}
}
