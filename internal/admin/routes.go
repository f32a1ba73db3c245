package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/tailriver/tailriver/internal/cdc"
	"github.com/tailriver/tailriver/internal/checkpoint"
	"github.com/tailriver/tailriver/internal/telemetry"
)

// Pipeline is the state the admin API reports on. *cdc.Manager satisfies it.
type Pipeline interface {
	Stats() *cdc.Stats
	Checkpoints() (committed, observed *checkpoint.Checkpoint)
	Healthy() bool
	Restarts() int
}

type checkpointView struct {
	Position string    `json:"position"`
	Kind     string    `json:"kind"`
	Time     time.Time `json:"time"`
}

// NewRouter builds the admin routes.
func NewRouter(service string, pipeline Pipeline) http.Handler {
	h := &handlers{service: service, pipeline: pipeline}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/stats", h.stats)
	r.Get("/checkpoint", h.checkpoint)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	return r
}

// NewServer serves the admin routes on addr.
func NewServer(addr, service string, pipeline Pipeline) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(service, pipeline),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type handlers struct {
	service  string
	pipeline Pipeline
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if !h.pipeline.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"service": h.service,
			"status":  "halted",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": h.service,
		"status":  "ok",
	})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":    h.service,
		"operations": h.pipeline.Stats().Snapshot(),
		"restarts":   h.pipeline.Restarts(),
	})
}

func (h *handlers) checkpoint(w http.ResponseWriter, r *http.Request) {
	committed, observed := h.pipeline.Checkpoints()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   h.service,
		"committed": view(committed),
		"observed":  view(observed),
	})
}

func view(cp *checkpoint.Checkpoint) *checkpointView {
	if cp.IsZero() {
		return nil
	}
	return &checkpointView{
		Position: cp.Position.String(),
		Kind:     cp.Position.Kind().String(),
		Time:     cp.Time,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
