// Package rpcpool rotates callers across a prioritized list of equivalent
// RPC endpoints after a run of consecutive errors.
package rpcpool

import (
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/mev-engine/trade-resilience/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultEndpoint is used when no endpoints are configured
const DefaultEndpoint = "https://api.mainnet-beta.solana.com"

// DefaultMaxErrors is the consecutive error budget when none is configured
const DefaultMaxErrors = 3

// Config holds the endpoint pool configuration
type Config struct {
	// Name identifies the pool in logs and metrics
	Name string
	// Endpoints in priority order; the first one is used first
	Endpoints []string
	// MaxErrors is the number of consecutive errors that triggers a rotation
	MaxErrors int
}

// Manager tracks the active endpoint of one logical dependency.
// It is advisory only: it never retries and never returns errors.
type Manager struct {
	name      string
	endpoints []string
	maxErrors int

	mu                sync.Mutex
	currentIndex      int
	consecutiveErrors int
	failovers         uint64

	metrics interfaces.EndpointMetrics
	logger  *zap.Logger
}

// NewManager creates an endpoint manager. Empty and duplicate URLs are
// dropped; an empty list falls back to DefaultEndpoint.
func NewManager(config Config, sink interfaces.EndpointMetrics, logger *zap.Logger) *Manager {
	if sink == nil {
		sink = metrics.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	name := config.Name
	if name == "" {
		name = "default"
	}

	maxErrors := config.MaxErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}

	seen := make(map[string]struct{}, len(config.Endpoints))
	endpoints := make([]string, 0, len(config.Endpoints))
	for _, ep := range config.Endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		if _, dup := seen[ep]; dup {
			logger.Warn("duplicate endpoint ignored", zap.String("pool", name), zap.String("endpoint", ep))
			continue
		}
		seen[ep] = struct{}{}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		endpoints = append(endpoints, DefaultEndpoint)
	}

	return &Manager{
		name:      name,
		endpoints: endpoints,
		maxErrors: maxErrors,
		metrics:   sink,
		logger:    logger.Named("rpcpool").With(zap.String("pool", name)),
	}
}

// Name returns the pool name
func (m *Manager) Name() string {
	return m.name
}

// GetConnection returns a new client bound to the current endpoint. A fresh
// handle is built on every call so callers always observe the latest rotation.
func (m *Manager) GetConnection() *rpc.Client {
	return rpc.New(m.GetCurrentEndpoint())
}

// GetCurrentEndpoint returns the endpoint at the current index
func (m *Manager) GetCurrentEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoints[m.currentIndex]
}

// RecordError counts a failed call against the current endpoint and rotates
// to the next one once MaxErrors consecutive errors have been seen.
func (m *Manager) RecordError() {
	m.mu.Lock()
	current := m.endpoints[m.currentIndex]
	m.consecutiveErrors++

	if m.consecutiveErrors < m.maxErrors || len(m.endpoints) < 2 {
		m.mu.Unlock()
		m.metrics.RecordEndpointError(m.name, current)
		return
	}

	m.currentIndex = (m.currentIndex + 1) % len(m.endpoints)
	m.consecutiveErrors = 0
	m.failovers++
	next := m.endpoints[m.currentIndex]
	m.mu.Unlock()

	m.metrics.RecordEndpointError(m.name, current)
	m.metrics.RecordEndpointFailover(m.name, current, next)
	m.logger.Warn("rpc endpoint failover",
		zap.String("from", current),
		zap.String("to", next),
		zap.Int("max_errors", m.maxErrors))
}

// ResetErrors clears the consecutive error count after an observed success
func (m *Manager) ResetErrors() {
	m.mu.Lock()
	m.consecutiveErrors = 0
	m.mu.Unlock()
}

// Snapshot returns a view of the pool
func (m *Manager) Snapshot() interfaces.EndpointPoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoints := make([]string, len(m.endpoints))
	copy(endpoints, m.endpoints)

	return interfaces.EndpointPoolStatus{
		Name:              m.name,
		Endpoints:         endpoints,
		CurrentIndex:      m.currentIndex,
		CurrentEndpoint:   m.endpoints[m.currentIndex],
		ConsecutiveErrors: m.consecutiveErrors,
		MaxErrors:         m.maxErrors,
		Failovers:         m.failovers,
	}
}
