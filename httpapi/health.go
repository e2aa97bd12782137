package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// Health reports liveness and dependency readiness.
type Health struct {
	shuttingDown atomic.Bool
	ping         func(context.Context) error
}

// NewHealth creates a health reporter. ping checks an external dependency
// and may be nil.
func NewHealth(ping func(context.Context) error) *Health {
	return &Health{ping: ping}
}

// Shutdown marks the service as draining.
func (h *Health) Shutdown() {
	h.shuttingDown.Store(true)
}

// IsShuttingDown reports whether Shutdown was called.
func (h *Health) IsShuttingDown() bool {
	return h.shuttingDown.Load()
}

// ServeHTTP implements http.Handler.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.IsShuttingDown() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting down",
		})
		return
	}

	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  "attestation store unreachable",
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
