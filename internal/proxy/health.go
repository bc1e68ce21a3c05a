package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const readyTimeout = 2 * time.Second

// Check is one dependency probed by /readyz.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type HealthHandler struct {
	checks []Check
	logger zerolog.Logger
}

func NewHealthHandler(logger zerolog.Logger, checks ...Check) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger.With().Str("name", "health").Logger()}
}

func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports 503 if any dependency fails its ping.
func (h *HealthHandler) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Str("check", c.Name).Msg("readiness check failed")
			results[c.Name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[c.Name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": results})
}
