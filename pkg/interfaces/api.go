package interfaces

import (
	"context"
	"net/http"
	"time"
)

// APIServer defines the interface for the operator API server
type APIServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetRouter() http.Handler
}

// BreakerRegistry exposes read-only circuit breaker views
type BreakerRegistry interface {
	Snapshot(key string) (BreakerSnapshot, bool)
	Snapshots() []BreakerSnapshot
}

// EndpointPool exposes read-only endpoint pool views
type EndpointPool interface {
	Snapshot() EndpointPoolStatus
}

// BreakerSnapshot is a point-in-time view of one breaker key
type BreakerSnapshot struct {
	Key           string        `json:"key"`
	State         string        `json:"state"`
	FailureCount  int           `json:"failure_count"`
	SuccessCount  int           `json:"success_count"`
	OpenCount     uint64        `json:"open_count"`
	CloseCount    uint64        `json:"close_count"`
	OpenRatio     float64       `json:"open_ratio"`
	NextAttemptIn time.Duration `json:"next_attempt_in"`
}

// EndpointPoolStatus is a point-in-time view of an endpoint pool
type EndpointPoolStatus struct {
	Name              string   `json:"name"`
	Endpoints         []string `json:"endpoints"`
	CurrentIndex      int      `json:"current_index"`
	CurrentEndpoint   string   `json:"current_endpoint"`
	ConsecutiveErrors int      `json:"consecutive_errors"`
	MaxErrors         int      `json:"max_errors"`
	Failovers         uint64   `json:"failovers"`
}

// SystemStatus represents the overall engine status
type SystemStatus struct {
	Status    string               `json:"status"`
	Version   string               `json:"version"`
	Uptime    string               `json:"uptime"`
	Timestamp time.Time            `json:"timestamp"`
	Watcher   WatcherStatus        `json:"watcher"`
	Endpoints []EndpointPoolStatus `json:"endpoints"`
	Breakers  []BreakerSnapshot    `json:"breakers"`
}

// WebSocketMessage represents a message on the live event stream
type WebSocketMessage struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type MessageType string

const (
	MessageTypePool   MessageType = "pool_detected"
	MessageTypePing   MessageType = "ping"
	MessageTypeStatus MessageType = "status"
)
