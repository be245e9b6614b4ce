package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCollector creates a collector for testing with a custom registry
func newTestCollector() (*Collector, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	return NewCollectorWithRegistry(registry), registry
}

func TestCollector_BreakerTransitions(t *testing.T) {
	collector, _ := newTestCollector()

	collector.RecordBreakerTransition(interfaces.BreakerEvent{Type: interfaces.BreakerEventOpen, Key: "jupiter-quote"})
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.breakerTransitions.WithLabelValues("open", "jupiter-quote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.breakerState.WithLabelValues("jupiter-quote")))

	collector.RecordBreakerTransition(interfaces.BreakerEvent{Type: interfaces.BreakerEventHalfOpen, Key: "jupiter-quote"})
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.breakerState.WithLabelValues("jupiter-quote")))

	collector.RecordBreakerTransition(interfaces.BreakerEvent{Type: interfaces.BreakerEventClose, Key: "jupiter-quote"})
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.breakerState.WithLabelValues("jupiter-quote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.breakerTransitions.WithLabelValues("close", "jupiter-quote")))

	collector.RecordBreakerRejection("jupiter-quote")
	collector.RecordBreakerRejection("jupiter-quote")
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.breakerRejections.WithLabelValues("jupiter-quote")))

	collector.SetBreakerOpenRatio("jupiter-quote", 0.5)
	assert.Equal(t, 0.5, testutil.ToFloat64(collector.breakerOpenRatio.WithLabelValues("jupiter-quote")))
}

func TestCollector_Endpoints(t *testing.T) {
	collector, _ := newTestCollector()

	collector.RecordEndpointError("solana", "https://a")
	collector.RecordEndpointError("solana", "https://a")
	collector.RecordEndpointFailover("solana", "https://a", "https://b")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.endpointErrors.WithLabelValues("solana", "https://a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.endpointFailovers.WithLabelValues("solana", "https://a", "https://b")))
}

func TestCollector_Idempotency(t *testing.T) {
	collector, _ := newTestCollector()

	collector.RecordIdempotencyHit()
	collector.RecordIdempotencyMiss()
	collector.RecordIdempotencyMiss()
	collector.RecordIdempotencyEviction(3)
	collector.RecordIdempotencyEviction(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.idempotencyLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.idempotencyLookups.WithLabelValues("miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.idempotencyEvictions))
}

func TestCollector_Watcher(t *testing.T) {
	collector, registry := newTestCollector()

	collector.RecordPoolDetected("prog")
	collector.RecordPoolDebounced()
	collector.RecordPoolDropped("mailbox_full")
	collector.RecordParseError("prog")
	collector.RecordReconnect(1500 * time.Millisecond)
	collector.RecordPing()

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.poolsDetected.WithLabelValues("prog")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.poolsDebounced))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.poolsDropped.WithLabelValues("mailbox_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.parseErrors.WithLabelValues("prog")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.pings))
	assert.InDelta(t, float64(time.Now().Unix()), testutil.ToFloat64(collector.lastPingUnixTime), 5)

	err := testutil.GatherAndCompare(registry, strings.NewReader(`
# HELP resilience_watcher_reconnect_delay_seconds Jittered delay before each reconnect attempt
# TYPE resilience_watcher_reconnect_delay_seconds histogram
resilience_watcher_reconnect_delay_seconds_bucket{le="0.1"} 0
resilience_watcher_reconnect_delay_seconds_bucket{le="0.2"} 0
resilience_watcher_reconnect_delay_seconds_bucket{le="0.4"} 0
resilience_watcher_reconnect_delay_seconds_bucket{le="0.8"} 0
resilience_watcher_reconnect_delay_seconds_bucket{le="1.6"} 1
resilience_watcher_reconnect_delay_seconds_bucket{le="3.2"} 1
resilience_watcher_reconnect_delay_seconds_bucket{le="6.4"} 1
resilience_watcher_reconnect_delay_seconds_bucket{le="12.8"} 1
resilience_watcher_reconnect_delay_seconds_bucket{le="25.6"} 1
resilience_watcher_reconnect_delay_seconds_bucket{le="51.2"} 1
resilience_watcher_reconnect_delay_seconds_bucket{le="+Inf"} 1
resilience_watcher_reconnect_delay_seconds_sum 1.5
resilience_watcher_reconnect_delay_seconds_count 1
`), "resilience_watcher_reconnect_delay_seconds")
	assert.NoError(t, err)
}

func TestCollector_WatcherStateIsExclusive(t *testing.T) {
	collector, _ := newTestCollector()

	collector.SetWatcherState(interfaces.WatcherStateConnecting)
	collector.SetWatcherState(interfaces.WatcherStateRunning)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.watcherState.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.watcherState.WithLabelValues("connecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.watcherState.WithLabelValues("stopped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.watcherState.WithLabelValues("backoff")))
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// Two collectors must not collide when each has its own registry
	first, _ := newTestCollector()
	second, _ := newTestCollector()

	first.RecordPing()
	assert.Equal(t, 1.0, testutil.ToFloat64(first.pings))
	assert.Equal(t, 0.0, testutil.ToFloat64(second.pings))
}

func TestRegistryHandler(t *testing.T) {
	collector, registry := newTestCollector()
	collector.RecordEndpointFailover("solana", "https://a", "https://b")

	rec := httptest.NewRecorder()
	RegistryHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `resilience_endpoint_failovers_total{from="https://a",pool="solana",to="https://b"} 1`)
}
