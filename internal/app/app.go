// Package app wires the resilience engine together with fx.
package app

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/mev-engine/trade-resilience/internal/api"
	"github.com/mev-engine/trade-resilience/internal/config"
	"github.com/mev-engine/trade-resilience/pkg/breaker"
	"github.com/mev-engine/trade-resilience/pkg/idempotency"
	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	applog "github.com/mev-engine/trade-resilience/pkg/log"
	"github.com/mev-engine/trade-resilience/pkg/metrics"
	"github.com/mev-engine/trade-resilience/pkg/rpcpool"
	"github.com/mev-engine/trade-resilience/pkg/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Module provides every engine component
var Module = fx.Options(
	fx.Provide(
		NewLogger,
		NewRegistry,
		NewCollector,
		NewClock,
		NewBreakers,
		NewEndpointPool,
		NewResultStore,
		NewTransactionFetcher,
		NewPoolSource,
		NewWatcher,
		NewAPIServer,
	),
	fx.Invoke(registerHooks),
)

// Options returns the full application graph for cfg
func Options(cfg *config.Config, extra ...fx.Option) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		Module,
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Options(extra...),
	)
}

// New creates the application
func New(cfg *config.Config, extra ...fx.Option) *fx.App {
	return fx.New(Options(cfg, extra...))
}

// NewLogger builds the process logger
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return applog.NewLogger(cfg.Log)
}

// NewRegistry creates the Prometheus registry served on the metrics path
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// NewCollector registers the resilience metrics
func NewCollector(registry *prometheus.Registry) *metrics.Collector {
	return metrics.NewCollectorWithRegistry(registry)
}

// NewClock returns the monotonic clock shared by breakers, cache and watcher
func NewClock() mclock.Clock {
	return mclock.System{}
}

// NewBreakers creates the process-wide breaker registry
func NewBreakers(cfg *config.Config, clock mclock.Clock, collector *metrics.Collector, logger *zap.Logger) *breaker.Manager {
	return breaker.NewManager(breaker.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		Cooldown:                 cfg.Breaker.Cooldown,
		HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
	},
		breaker.WithClock(clock),
		breaker.WithMetrics(collector),
		breaker.WithLogger(logger),
	)
}

// NewEndpointPool creates the rotating RPC endpoint pool
func NewEndpointPool(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *rpcpool.Manager {
	return rpcpool.NewManager(rpcpool.Config{
		Name:      cfg.RPC.Name,
		Endpoints: cfg.RPC.Endpoints,
		MaxErrors: cfg.RPC.MaxErrors,
	}, collector, logger)
}

// NewResultStore creates the idempotency cache behind the operator API
func NewResultStore(lc fx.Lifecycle, cfg *config.Config, clock mclock.Clock, collector *metrics.Collector, logger *zap.Logger) *idempotency.Store[api.CachedResponse] {
	store := idempotency.New[api.CachedResponse](cfg.Idempotency.TTL,
		idempotency.WithClock(clock),
		idempotency.WithMetrics(collector),
		idempotency.WithLogger(logger),
	)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			store.Close()
			return nil
		},
	})
	return store
}

// NewTransactionFetcher resolves pool transactions through the breaker and pool
func NewTransactionFetcher(cfg *config.Config, pool *rpcpool.Manager, breakers *breaker.Manager, logger *zap.Logger) interfaces.TransactionFetcher {
	return watcher.NewRPCTransactionFetcher(pool, breakers, cfg.Breaker.TransactionKey, cfg.RPC.Commitment, logger)
}

// NewPoolSource opens logsSubscribe sessions
func NewPoolSource(cfg *config.Config, fetcher interfaces.TransactionFetcher, collector *metrics.Collector, logger *zap.Logger) interfaces.PoolSource {
	return watcher.NewLogSource(watcher.SourceConfig{
		Endpoint:   cfg.WebSocketEndpoint(),
		ProgramIDs: cfg.Watcher.ProgramIDs,
		Commitment: cfg.RPC.Commitment,
		Keepalive:  cfg.Watcher.Keepalive,
	}, fetcher, collector, logger)
}

// NewWatcher creates the resilient pool watcher, or nil when disabled
func NewWatcher(cfg *config.Config, source interfaces.PoolSource, clock mclock.Clock, collector *metrics.Collector, logger *zap.Logger) (interfaces.PoolWatcher, error) {
	if !cfg.Watcher.Enabled {
		logger.Info("pool watcher disabled")
		return nil, nil
	}

	w, err := watcher.New(watcher.Config{
		SubscriptionEndpoint: cfg.WebSocketEndpoint(),
		ProgramIDs:           cfg.Watcher.ProgramIDs,
		Debounce:             cfg.Watcher.Debounce,
		PingInterval:         cfg.Watcher.PingInterval,
		JitterBase:           cfg.Watcher.JitterBase,
		MailboxSize:          cfg.Watcher.MailboxSize,
	}, source,
		watcher.WithClock(clock),
		watcher.WithMetrics(collector),
		watcher.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool watcher: %w", err)
	}
	return w, nil
}

// NewAPIServer creates the operator API
func NewAPIServer(
	cfg *config.Config,
	poolWatcher interfaces.PoolWatcher,
	breakers *breaker.Manager,
	pool *rpcpool.Manager,
	results *idempotency.Store[api.CachedResponse],
	registry *prometheus.Registry,
	logger *zap.Logger,
) *api.Server {
	return api.NewServer(cfg, api.Dependencies{
		Watcher:   poolWatcher,
		Breakers:  breakers,
		Endpoints: []interfaces.EndpointPool{pool},
		Results:   results,
		Gatherer:  registry,
	}, logger)
}

// registerHooks starts the API before the watcher so the live stream is
// subscribed before the first event, and stops them in reverse
func registerHooks(lc fx.Lifecycle, poolWatcher interfaces.PoolWatcher, server *api.Server, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := server.Start(ctx); err != nil {
				return err
			}
			if poolWatcher != nil {
				if err := poolWatcher.Start(ctx); err != nil {
					return fmt.Errorf("failed to start pool watcher: %w", err)
				}
			}
			logger.Info("resilience engine started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping resilience engine")
			if poolWatcher != nil {
				if err := poolWatcher.Stop(ctx); err != nil {
					logger.Warn("pool watcher stop", zap.Error(err))
				}
			}
			if err := server.Stop(ctx); err != nil {
				return err
			}
			_ = logger.Sync()
			return nil
		},
	})
}
