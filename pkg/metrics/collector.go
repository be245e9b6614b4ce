package metrics

import (
	"time"

	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements every resilience metrics interface on top of Prometheus
type Collector struct {
	// Circuit breaker metrics
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
	breakerOpenRatio   *prometheus.GaugeVec
	breakerState       *prometheus.GaugeVec

	// Endpoint pool metrics
	endpointErrors    *prometheus.CounterVec
	endpointFailovers *prometheus.CounterVec

	// Idempotency metrics
	idempotencyLookups   *prometheus.CounterVec
	idempotencyEvictions prometheus.Counter

	// Watcher metrics
	poolsDetected    *prometheus.CounterVec
	poolsDebounced   prometheus.Counter
	poolsDropped     *prometheus.CounterVec
	parseErrors      *prometheus.CounterVec
	reconnects       prometheus.Counter
	reconnectDelay   prometheus.Histogram
	pings            prometheus.Counter
	watcherState     *prometheus.GaugeVec
	lastPingUnixTime prometheus.Gauge
}

var (
	_ interfaces.BreakerMetrics     = (*Collector)(nil)
	_ interfaces.EndpointMetrics    = (*Collector)(nil)
	_ interfaces.IdempotencyMetrics = (*Collector)(nil)
	_ interfaces.WatcherMetrics     = (*Collector)(nil)
)

// NewCollector creates a collector registered with the default Prometheus registry
func NewCollector() *Collector {
	return newCollector(promauto.With(prometheus.DefaultRegisterer))
}

// NewCollectorWithRegistry creates a collector with a custom Prometheus registry
func NewCollectorWithRegistry(registry *prometheus.Registry) *Collector {
	return newCollector(promauto.With(registry))
}

func newCollector(factory promauto.Factory) *Collector {
	return &Collector{
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_breaker_transitions_total",
			Help: "Circuit breaker transitions by type and key",
		}, []string{"type", "key"}),
		breakerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_breaker_rejections_total",
			Help: "Calls rejected locally because the breaker was open",
		}, []string{"key"}),
		breakerOpenRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resilience_breaker_open_ratio",
			Help: "Ratio of open events to open plus close events per key",
		}, []string{"key"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resilience_breaker_state",
			Help: "Current breaker state per key (0 = closed, 1 = open, 2 = half open)",
		}, []string{"key"}),
		endpointErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_endpoint_errors_total",
			Help: "Errors reported against RPC endpoints",
		}, []string{"pool", "endpoint"}),
		endpointFailovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_endpoint_failovers_total",
			Help: "Endpoint rotations per pool",
		}, []string{"pool", "from", "to"}),
		idempotencyLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_idempotency_lookups_total",
			Help: "Idempotency cache lookups by result",
		}, []string{"result"}),
		idempotencyEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "resilience_idempotency_evictions_total",
			Help: "Expired idempotency entries removed",
		}),
		poolsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_watcher_pools_detected_total",
			Help: "Pool events forwarded to subscribers by program",
		}, []string{"program_id"}),
		poolsDebounced: factory.NewCounter(prometheus.CounterOpts{
			Name: "resilience_watcher_pools_debounced_total",
			Help: "Pool events suppressed by the debounce window",
		}),
		poolsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_watcher_pools_dropped_total",
			Help: "Pool events dropped before delivery by reason",
		}, []string{"reason"}),
		parseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_watcher_parse_errors_total",
			Help: "Log notifications that could not be resolved into a pool event",
		}, []string{"program_id"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "resilience_watcher_reconnects_total",
			Help: "Reconnect attempts scheduled by the watcher",
		}),
		reconnectDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "resilience_watcher_reconnect_delay_seconds",
			Help:    "Jittered delay before each reconnect attempt",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		pings: factory.NewCounter(prometheus.CounterOpts{
			Name: "resilience_watcher_pings_total",
			Help: "Liveness pings emitted while running",
		}),
		watcherState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resilience_watcher_state",
			Help: "Watcher lifecycle state (1 for the active state)",
		}, []string{"state"}),
		lastPingUnixTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resilience_watcher_last_ping_timestamp_seconds",
			Help: "Unix time of the last liveness ping",
		}),
	}
}

// RecordBreakerTransition records a breaker state change
func (c *Collector) RecordBreakerTransition(event interfaces.BreakerEvent) {
	c.breakerTransitions.WithLabelValues(string(event.Type), event.Key).Inc()

	switch event.Type {
	case interfaces.BreakerEventClose:
		c.breakerState.WithLabelValues(event.Key).Set(0)
	case interfaces.BreakerEventOpen:
		c.breakerState.WithLabelValues(event.Key).Set(1)
	case interfaces.BreakerEventHalfOpen:
		c.breakerState.WithLabelValues(event.Key).Set(2)
	}
}

// RecordBreakerRejection records a fast local rejection
func (c *Collector) RecordBreakerRejection(key string) {
	c.breakerRejections.WithLabelValues(key).Inc()
}

// SetBreakerOpenRatio updates the open-ratio gauge for a key
func (c *Collector) SetBreakerOpenRatio(key string, ratio float64) {
	c.breakerOpenRatio.WithLabelValues(key).Set(ratio)
}

// RecordEndpointError records an error reported against an endpoint
func (c *Collector) RecordEndpointError(pool, endpoint string) {
	c.endpointErrors.WithLabelValues(pool, endpoint).Inc()
}

// RecordEndpointFailover records a rotation to the next endpoint
func (c *Collector) RecordEndpointFailover(pool, from, to string) {
	c.endpointFailovers.WithLabelValues(pool, from, to).Inc()
}

// RecordIdempotencyHit records a cache hit
func (c *Collector) RecordIdempotencyHit() {
	c.idempotencyLookups.WithLabelValues("hit").Inc()
}

// RecordIdempotencyMiss records a cache miss
func (c *Collector) RecordIdempotencyMiss() {
	c.idempotencyLookups.WithLabelValues("miss").Inc()
}

// RecordIdempotencyEviction records expired entries being removed
func (c *Collector) RecordIdempotencyEviction(count int) {
	if count <= 0 {
		return
	}
	c.idempotencyEvictions.Add(float64(count))
}

// RecordPoolDetected records a pool event forwarded to subscribers
func (c *Collector) RecordPoolDetected(programID string) {
	c.poolsDetected.WithLabelValues(programID).Inc()
}

// RecordPoolDebounced records a suppressed pool event
func (c *Collector) RecordPoolDebounced() {
	c.poolsDebounced.Inc()
}

// RecordPoolDropped records a pool event that never reached a subscriber
func (c *Collector) RecordPoolDropped(reason string) {
	c.poolsDropped.WithLabelValues(reason).Inc()
}

// RecordParseError records a per-message resolution failure
func (c *Collector) RecordParseError(programID string) {
	c.parseErrors.WithLabelValues(programID).Inc()
}

// RecordReconnect records a scheduled reconnect and its delay
func (c *Collector) RecordReconnect(delay time.Duration) {
	c.reconnects.Inc()
	c.reconnectDelay.Observe(delay.Seconds())
}

// RecordPing records a liveness ping
func (c *Collector) RecordPing() {
	c.pings.Inc()
	c.lastPingUnixTime.SetToCurrentTime()
}

// SetWatcherState flips the state gauge to the given state
func (c *Collector) SetWatcherState(state interfaces.WatcherState) {
	for _, s := range []interfaces.WatcherState{
		interfaces.WatcherStateStopped,
		interfaces.WatcherStateConnecting,
		interfaces.WatcherStateRunning,
		interfaces.WatcherStateBackoff,
	} {
		value := 0.0
		if s == state {
			value = 1
		}
		c.watcherState.WithLabelValues(string(s)).Set(value)
	}
}
