package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"go.uber.org/zap"
)

// Overall engine status values
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusStopped  = "stopped"
)

// Handlers contains all HTTP handlers for the API
type Handlers struct {
	watcher   interfaces.PoolWatcher
	breakers  interfaces.BreakerRegistry
	endpoints []interfaces.EndpointPool
	logger    *zap.Logger

	version   string
	startTime time.Time
}

// NewHandlers creates a new handlers instance. watcher may be nil when pool
// detection is disabled.
func NewHandlers(
	watcher interfaces.PoolWatcher,
	breakers interfaces.BreakerRegistry,
	endpoints []interfaces.EndpointPool,
	version string,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		watcher:   watcher,
		breakers:  breakers,
		endpoints: endpoints,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}
}

// SystemStatus assembles the current engine status
func (h *Handlers) SystemStatus() interfaces.SystemStatus {
	status := interfaces.SystemStatus{
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
		Endpoints: make([]interfaces.EndpointPoolStatus, 0, len(h.endpoints)),
		Breakers:  []interfaces.BreakerSnapshot{},
	}

	if h.watcher != nil {
		status.Watcher = h.watcher.Status()
	} else {
		status.Watcher = interfaces.WatcherStatus{State: interfaces.WatcherStateStopped}
	}
	for _, pool := range h.endpoints {
		status.Endpoints = append(status.Endpoints, pool.Snapshot())
	}
	if h.breakers != nil {
		status.Breakers = h.breakers.Snapshots()
	}

	status.Status = deriveStatus(h.watcher != nil, status)
	return status
}

// deriveStatus is degraded while any breaker is not closed or the watcher is
// reconnecting
func deriveStatus(watcherEnabled bool, status interfaces.SystemStatus) string {
	if watcherEnabled && status.Watcher.State == interfaces.WatcherStateStopped {
		return StatusStopped
	}
	if watcherEnabled && status.Watcher.State != interfaces.WatcherStateRunning {
		return StatusDegraded
	}
	for _, b := range status.Breakers {
		if b.State != "closed" {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

// GetSystemStatus returns the current system status
func (h *Handlers) GetSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.SystemStatus())
}

// GetBreakers returns every known breaker key
func (h *Handlers) GetBreakers(w http.ResponseWriter, r *http.Request) {
	snapshots := []interfaces.BreakerSnapshot{}
	if h.breakers != nil {
		snapshots = h.breakers.Snapshots()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": snapshots,
		"total":    len(snapshots),
	})
}

// GetBreaker returns one breaker by key
func (h *Handlers) GetBreaker(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if h.breakers == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("breaker %s not found", key))
		return
	}

	snapshot, ok := h.breakers.Snapshot(key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("breaker %s not found", key))
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// GetEndpoints returns every RPC endpoint pool
func (h *Handlers) GetEndpoints(w http.ResponseWriter, r *http.Request) {
	pools := make([]interfaces.EndpointPoolStatus, 0, len(h.endpoints))
	for _, pool := range h.endpoints {
		pools = append(pools, pool.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pools": pools,
	})
}

// RestartWatcher tears down and re-establishes the pool subscription
func (h *Handlers) RestartWatcher(w http.ResponseWriter, r *http.Request) {
	if h.watcher == nil {
		writeError(w, http.StatusServiceUnavailable, "pool watcher is disabled")
		return
	}

	if err := h.watcher.Restart(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, r.Context().Err()) {
			status = http.StatusServiceUnavailable
		}
		h.logger.Error("watcher restart failed", zap.Error(err))
		writeError(w, status, fmt.Sprintf("failed to restart watcher: %v", err))
		return
	}

	h.logger.Info("watcher restarted by operator", zap.String("client", getClientID(r)))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "watcher restarted",
		"watcher": h.watcher.Status(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
