package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connectivity reports whether the cloud connection is up.
type Connectivity interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	local Pinger
	cloud Connectivity
}

// NewHealthHandler creates a new health handler. cloud is nil when the
// server runs local-only.
func NewHealthHandler(local Pinger, cloud Connectivity) *HealthHandler {
	return &HealthHandler{
		local: local,
		cloud: cloud,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready. The local cache must answer; a lost NATS
// connection only degrades the server since writes queue as pending.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.local != nil {
		if err := h.local.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "local cache unavailable",
			})
			return
		}
	}

	cloud := "disabled"
	if h.cloud != nil {
		cloud = "connected"
		if !h.cloud.IsConnected() {
			cloud = "disconnected"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"cloud":  cloud,
	})
}
