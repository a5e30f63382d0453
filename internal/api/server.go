package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"callscribe/internal/credentials"
	"callscribe/internal/pipeline"
	"callscribe/internal/storage/sqlite"
	"callscribe/internal/websocket"
	"callscribe/pkg/logger"
)

// ProgressSource reports the live run snapshot.
type ProgressSource interface {
	Progress() pipeline.Progress
}

// RunInfo identifies the active run.
type RunInfo struct {
	RunID      string    `json:"run_id"`
	TargetDate string    `json:"target_date"`
	StartedAt  time.Time `json:"started_at"`
}

// Handler contains the API handlers
type Handler struct {
	run      RunInfo
	progress ProgressSource
	pool     *credentials.Pool
	store    *sqlite.JobStore
	wsServer *websocket.Server
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(run RunInfo, progress ProgressSource, pool *credentials.Pool, store *sqlite.JobStore, wsServer *websocket.Server, log *logger.Logger) *Handler {
	return &Handler{
		run:      run,
		progress: progress,
		pool:     pool,
		store:    store,
		wsServer: wsServer,
		logger:   log.Named("api-handler"),
	}
}

// Routes builds the HTTP router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.GetHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/credentials", h.GetCredentials)
		r.Get("/jobs", h.GetJobCounts)
	})
	r.Get("/ws", h.wsServer.HandleConnection)

	return r
}

// GetHealth reports liveness.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStatus returns the run identity and live progress.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	p := h.progress.Progress()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"run":                      h.run,
		"total":                    p.Total,
		"done":                     p.Done,
		"failed":                   p.Failed,
		"in_flight":                p.InFlight,
		"budget_remaining_seconds": p.BudgetRemaining.Seconds(),
	})
}

// GetCredentials returns per-credential usage with masked IDs.
func (h *Handler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.pool.UsageReport())
}

// GetJobCounts returns how many persisted jobs sit in each state.
func (h *Handler) GetJobCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByState()
	if err != nil {
		h.logger.Error("Failed to count jobs", logger.Error(err))
		h.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to count jobs"})
		return
	}
	h.respondJSON(w, http.StatusOK, counts)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}
