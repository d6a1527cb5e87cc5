package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker probes a single dependency for the readiness endpoint.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a named function to HealthChecker.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.CheckerName }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

func (h *Handler) registerHealthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/live", h.handleLiveness)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.Handle("GET /metrics/prometheus", promhttp.Handler())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"environment":    h.environment,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if h.upstream == nil || !h.upstream.Ready() {
		checks["upstream"] = "not initialized"
		ready = false
	} else {
		checks["upstream"] = "ok"
	}

	for _, checker := range h.readyCheckers {
		if err := checker.Check(ctx); err != nil {
			checks[checker.Name()] = err.Error()
			ready = false
			continue
		}
		checks[checker.Name()] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{
		"status": state,
		"checks": checks,
	})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":            Version,
		"environment":        h.environment,
		"uptime_seconds":     int64(time.Since(h.startTime).Seconds()),
		"upstream_available": h.upstream != nil && h.upstream.Ready(),
	})
}
