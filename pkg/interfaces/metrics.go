package interfaces

import "time"

// BreakerMetrics receives circuit breaker transitions and fast rejections
type BreakerMetrics interface {
	RecordBreakerTransition(event BreakerEvent)
	RecordBreakerRejection(key string)
	SetBreakerOpenRatio(key string, ratio float64)
}

// EndpointMetrics receives RPC endpoint pool bookkeeping
type EndpointMetrics interface {
	RecordEndpointError(pool, endpoint string)
	RecordEndpointFailover(pool, from, to string)
}

// IdempotencyMetrics receives idempotency cache outcomes
type IdempotencyMetrics interface {
	RecordIdempotencyHit()
	RecordIdempotencyMiss()
	RecordIdempotencyEviction(count int)
}

// WatcherMetrics receives pool watcher activity
type WatcherMetrics interface {
	RecordPoolDetected(programID string)
	RecordPoolDebounced()
	RecordPoolDropped(reason string)
	RecordParseError(programID string)
	RecordReconnect(delay time.Duration)
	RecordPing()
	SetWatcherState(state WatcherState)
}

// BreakerEventType identifies a circuit breaker transition
type BreakerEventType string

const (
	BreakerEventOpen     BreakerEventType = "open"
	BreakerEventClose    BreakerEventType = "close"
	BreakerEventHalfOpen BreakerEventType = "half_open"
)

// BreakerEvent is emitted on every circuit breaker transition
type BreakerEvent struct {
	Type      BreakerEventType `json:"type"`
	Key       string           `json:"key"`
	Timestamp time.Time        `json:"timestamp"`
}
