package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Pinger reports whether durable storage is reachable.
type Pinger interface {
	Healthy(ctx context.Context) error
}

type HealthHandler struct {
	checker     Pinger
	environment string
	now         func() time.Time
}

func NewHealthHandler(checker Pinger, environment string) *HealthHandler {
	return &HealthHandler{checker: checker, environment: environment, now: time.Now}
}

type healthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:      "ok",
		Timestamp:   h.now().UTC().Format(time.RFC3339),
		Environment: h.environment,
	}
	if err := h.checker.Healthy(ctx); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("health check: storage unreachable")
		resp.Status = "degraded"
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
