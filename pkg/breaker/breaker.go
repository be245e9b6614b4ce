// Package breaker implements per-dependency circuit breakers.
//
// A Manager owns one breaker per key. Callers invoke Before immediately before
// the guarded call and report the outcome with Success or Fail:
//
//	if err := breakers.Before("jupiter-quote"); err != nil {
//	    return err // *CircuitOpenError, do not call
//	}
//	if err := callQuoteAPI(ctx); err != nil {
//	    breakers.Fail("jupiter-quote")
//	    return err
//	}
//	breakers.Success("jupiter-quote")
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/mev-engine/trade-resilience/pkg/metrics"
	"go.uber.org/zap"
)

// State is the breaker state for one key
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds shared by every key of a Manager
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a closed breaker
	FailureThreshold int
	// Cooldown is how long an open breaker rejects calls before allowing a trial
	Cooldown time.Duration
	// HalfOpenSuccessThreshold is the number of trial successes needed to close
	HalfOpenSuccessThreshold int
}

// DefaultConfig returns thresholds suited to latency-sensitive trading calls
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         3,
		Cooldown:                 10 * time.Second,
		HalfOpenSuccessThreshold: 1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	return c
}

// CircuitOpenError is returned by Before while a key's breaker is open
type CircuitOpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q, retry after %s", e.Key, e.RetryAfter)
}

// IsCircuitOpen reports whether err is or wraps a *CircuitOpenError
func IsCircuitOpen(err error) bool {
	var openErr *CircuitOpenError
	return errors.As(err, &openErr)
}

// keyState is the per-key state machine. All fields are guarded by mu.
type keyState struct {
	mu sync.Mutex

	key            string
	state          State
	failureCount   int
	successCount   int
	nextAttemptAt  mclock.AbsTime
	hasNextAttempt bool

	openCount  uint64
	closeCount uint64
}

func (s *keyState) openRatio() float64 {
	total := s.openCount + s.closeCount
	if total == 0 {
		return 0
	}
	return float64(s.openCount) / float64(total)
}

// Manager owns the breaker for every dependency key
type Manager struct {
	config  Config
	clock   mclock.Clock
	metrics interfaces.BreakerMetrics
	logger  *zap.Logger

	breakers sync.Map // string -> *keyState
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces the monotonic clock used for cooldowns
func WithClock(clock mclock.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithMetrics wires the transition and open-ratio sink
func WithMetrics(sink interfaces.BreakerMetrics) Option {
	return func(m *Manager) { m.metrics = sink }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a breaker manager. Zero config fields take defaults.
func NewManager(config Config, opts ...Option) *Manager {
	m := &Manager{
		config:  config.withDefaults(),
		clock:   mclock.System{},
		metrics: metrics.Noop{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("breaker")
	return m
}

// Config returns the effective thresholds
func (m *Manager) Config() Config {
	return m.config
}

func (m *Manager) get(key string) *keyState {
	if v, ok := m.breakers.Load(key); ok {
		return v.(*keyState)
	}
	v, _ := m.breakers.LoadOrStore(key, &keyState{key: key, state: StateClosed})
	return v.(*keyState)
}

// Before must be called immediately before the guarded operation. It returns a
// *CircuitOpenError while the breaker is open and the cooldown has not elapsed.
func (m *Manager) Before(key string) error {
	s := m.get(key)
	now := m.clock.Now()

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}

	if s.hasNextAttempt && now < s.nextAttemptAt {
		retryAfter := time.Duration(s.nextAttemptAt - now)
		s.openCount++
		ratio := s.openRatio()
		s.mu.Unlock()

		m.metrics.RecordBreakerRejection(key)
		m.metrics.SetBreakerOpenRatio(key, ratio)
		return &CircuitOpenError{Key: key, RetryAfter: retryAfter}
	}

	s.state = StateHalfOpen
	s.successCount = 0
	s.mu.Unlock()

	m.emit(interfaces.BreakerEventHalfOpen, key)
	return nil
}

// Success reports that the guarded operation completed without error
func (m *Manager) Success(key string) {
	s := m.get(key)

	s.mu.Lock()
	switch s.state {
	case StateHalfOpen:
		s.successCount++
		if s.successCount < m.config.HalfOpenSuccessThreshold {
			s.mu.Unlock()
			return
		}
		s.state = StateClosed
		s.failureCount = 0
		s.successCount = 0
		s.hasNextAttempt = false
		s.nextAttemptAt = 0
		s.closeCount++
		ratio := s.openRatio()
		s.mu.Unlock()

		m.emit(interfaces.BreakerEventClose, key)
		m.metrics.SetBreakerOpenRatio(key, ratio)
		m.logger.Info("circuit closed", zap.String("key", key))
	case StateClosed:
		s.failureCount = 0
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

// Fail reports that the guarded operation returned an error
func (m *Manager) Fail(key string) {
	s := m.get(key)
	now := m.clock.Now()

	s.mu.Lock()
	switch s.state {
	case StateHalfOpen:
		m.trip(s, now)
	case StateClosed:
		s.failureCount++
		if s.failureCount < m.config.FailureThreshold {
			s.mu.Unlock()
			return
		}
		m.trip(s, now)
	default:
		s.mu.Unlock()
	}
}

// trip moves s to OPEN and releases s.mu
func (m *Manager) trip(s *keyState, now mclock.AbsTime) {
	from := s.state
	s.state = StateOpen
	s.nextAttemptAt = now.Add(m.config.Cooldown)
	s.hasNextAttempt = true
	s.failureCount = 0
	s.successCount = 0
	s.openCount++
	ratio := s.openRatio()
	key := s.key
	s.mu.Unlock()

	m.emit(interfaces.BreakerEventOpen, key)
	m.metrics.SetBreakerOpenRatio(key, ratio)
	m.logger.Warn("circuit opened",
		zap.String("key", key),
		zap.Stringer("from", from),
		zap.Duration("cooldown", m.config.Cooldown))
}

func (m *Manager) emit(eventType interfaces.BreakerEventType, key string) {
	m.metrics.RecordBreakerTransition(interfaces.BreakerEvent{
		Type:      eventType,
		Key:       key,
		Timestamp: time.Now(),
	})
}

// Execute guards fn with Before/Success/Fail for key
func (m *Manager) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := m.Before(key); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		m.Fail(key)
		return err
	}
	m.Success(key)
	return nil
}

// State returns the current state for key. Unknown keys are closed.
func (m *Manager) State(key string) State {
	v, ok := m.breakers.Load(key)
	if !ok {
		return StateClosed
	}
	s := v.(*keyState)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a view of key if it has been used
func (m *Manager) Snapshot(key string) (interfaces.BreakerSnapshot, bool) {
	v, ok := m.breakers.Load(key)
	if !ok {
		return interfaces.BreakerSnapshot{}, false
	}
	return m.snapshot(v.(*keyState)), true
}

// Snapshots returns a view of every known key, sorted by key
func (m *Manager) Snapshots() []interfaces.BreakerSnapshot {
	var out []interfaces.BreakerSnapshot
	m.breakers.Range(func(_, v any) bool {
		out = append(out, m.snapshot(v.(*keyState)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Manager) snapshot(s *keyState) interfaces.BreakerSnapshot {
	now := m.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := interfaces.BreakerSnapshot{
		Key:          s.key,
		State:        s.state.String(),
		FailureCount: s.failureCount,
		SuccessCount: s.successCount,
		OpenCount:    s.openCount,
		CloseCount:   s.closeCount,
		OpenRatio:    s.openRatio(),
	}
	if s.state == StateOpen && s.hasNextAttempt && now < s.nextAttemptAt {
		snap.NextAttemptIn = time.Duration(s.nextAttemptAt - now)
	}
	return snap
}
