package interfaces

import (
	"context"
	"time"
)

// PoolEvent describes a newly initialized liquidity pool seen on chain
type PoolEvent struct {
	Signature      string    `json:"signature"`
	ProgramID      string    `json:"program_id"`
	TokenA         string    `json:"token_a"`
	TokenB         string    `json:"token_b"`
	DetectedAtSlot uint64    `json:"detected_at_slot"`
	DetectedAt     time.Time `json:"detected_at"`
}

// PingEvent is the watcher liveness heartbeat
type PingEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// LogSession is one live subscription session against the log stream.
// Err delivers connection-level failures; per-message failures never reach it.
type LogSession interface {
	Events() <-chan PoolEvent
	Err() <-chan error
	Close() error
}

// PoolSource opens subscription sessions filtered to a set of program ids
type PoolSource interface {
	Open(ctx context.Context) (LogSession, error)
}

// TransactionFetcher resolves a log notification into a pool event
type TransactionFetcher interface {
	FetchPool(ctx context.Context, signature, programID string, slot uint64) (*PoolEvent, error)
}

// PoolWatcher is the resilient pool-detection stream consumed by strategies
type PoolWatcher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Subscribe(handler func(PoolEvent)) (unsubscribe func())
	SubscribePings(handler func(PingEvent)) (unsubscribe func())
	Status() WatcherStatus
}

// WatcherState is the lifecycle state of a resilient watcher
type WatcherState string

const (
	WatcherStateStopped    WatcherState = "stopped"
	WatcherStateConnecting WatcherState = "connecting"
	WatcherStateRunning    WatcherState = "running"
	WatcherStateBackoff    WatcherState = "backoff"
)

// WatcherStatus is a point-in-time view of a watcher
type WatcherStatus struct {
	State       WatcherState `json:"state"`
	Endpoint    string       `json:"endpoint"`
	ProgramIDs  []string     `json:"program_ids"`
	Subscribers int          `json:"subscribers"`
	Reconnects  uint64       `json:"reconnects"`
	Forwarded   uint64       `json:"forwarded"`
	Debounced   uint64       `json:"debounced"`
	LastEventAt *time.Time   `json:"last_event_at,omitempty"`
	LastPingAt  *time.Time   `json:"last_ping_at,omitempty"`
}
