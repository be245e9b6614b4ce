// Package idempotency caches computed results for a bounded time so repeated
// requests with the same key reuse the first answer.
package idempotency

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/mev-engine/trade-resilience/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultTTL is used when the configured TTL is not positive
const DefaultTTL = 5 * time.Minute

type entry[V any] struct {
	value     V
	createdAt mclock.AbsTime
}

// Store is a process-local TTL cache. Misses are never errors.
type Store[V any] struct {
	ttl     time.Duration
	clock   mclock.Clock
	metrics interfaces.IdempotencyMetrics
	logger  *zap.Logger

	entries sync.Map // string -> *entry[V]

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option customizes a Store
type Option func(*options)

type options struct {
	clock   mclock.Clock
	metrics interfaces.IdempotencyMetrics
	logger  *zap.Logger
}

// WithClock replaces the clock used for entry ages and the sweep timer
func WithClock(clock mclock.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithMetrics wires hit, miss and eviction counters
func WithMetrics(sink interfaces.IdempotencyMetrics) Option {
	return func(o *options) { o.metrics = sink }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates a store and starts its background sweep, which runs every ttl
// until Close is called.
func New[V any](ttl time.Duration, opts ...Option) *Store[V] {
	o := options{
		clock:   mclock.System{},
		metrics: metrics.Noop{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &Store[V]{
		ttl:     ttl,
		clock:   o.clock,
		metrics: o.metrics,
		logger:  o.logger.Named("idempotency"),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweepLoop()

	return s
}

// TTL returns the configured lifetime of an entry
func (s *Store[V]) TTL() time.Duration {
	return s.ttl
}

// Get returns the cached value for key while it is younger than the TTL.
// An expired entry is removed and reported as a miss.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V

	v, ok := s.entries.Load(key)
	if !ok {
		s.metrics.RecordIdempotencyMiss()
		return zero, false
	}

	e := v.(*entry[V])
	if s.expired(e, s.clock.Now()) {
		// Only remove the entry we observed, not a concurrent fresh Set
		if s.entries.CompareAndDelete(key, e) {
			s.metrics.RecordIdempotencyEviction(1)
		}
		s.metrics.RecordIdempotencyMiss()
		return zero, false
	}

	s.metrics.RecordIdempotencyHit()
	return e.value, true
}

// Set stores value under key with a fresh timestamp. The last writer wins.
func (s *Store[V]) Set(key string, value V) {
	s.entries.Store(key, &entry[V]{value: value, createdAt: s.clock.Now()})
}

// Delete removes key
func (s *Store[V]) Delete(key string) {
	s.entries.Delete(key)
}

// Len returns the number of stored entries, including expired ones not yet swept
func (s *Store[V]) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Cleanup removes every expired entry and returns how many were removed
func (s *Store[V]) Cleanup() int {
	now := s.clock.Now()
	removed := 0

	s.entries.Range(func(k, v any) bool {
		if s.expired(v.(*entry[V]), now) && s.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})

	if removed > 0 {
		s.metrics.RecordIdempotencyEviction(removed)
		s.logger.Debug("expired entries removed", zap.Int("count", removed))
	}
	return removed
}

// Close stops the background sweep. It is safe to call more than once.
func (s *Store[V]) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Store[V]) expired(e *entry[V], now mclock.AbsTime) bool {
	return time.Duration(now-e.createdAt) > s.ttl
}

func (s *Store[V]) sweepLoop() {
	defer s.wg.Done()

	timer := s.clock.NewTimer(s.ttl)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-timer.C():
			s.Cleanup()
			timer.Reset(s.ttl)
		}
	}
}
