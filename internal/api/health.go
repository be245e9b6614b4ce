package api

import (
	"net/http"
	"time"

	"github.com/mev-engine/trade-resilience/pkg/interfaces"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	Version          string    `json:"version"`
	Uptime           string    `json:"uptime"`
	WebSocketClients int       `json:"websocket_clients"`
}

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	startTime time.Time
	version   string
	watcher   interfaces.PoolWatcher
	clients   func() int
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, watcher interfaces.PoolWatcher, clients func() int) *HealthHandler {
	return &HealthHandler{
		startTime: time.Now(),
		version:   version,
		watcher:   watcher,
		clients:   clients,
	}
}

// Health reports the process is alive
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.clients != nil {
		response.WebSocketClients = h.clients()
	}
	writeJSON(w, http.StatusOK, response)
}

// Ready reports ready once the watcher holds a live subscription
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.watcher != nil {
		state := h.watcher.Status().State
		if state != interfaces.WatcherStateRunning {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":        "not_ready",
				"watcher_state": state,
				"timestamp":     time.Now(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}
