package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/mev-engine/trade-resilience/internal/config"
	"github.com/mev-engine/trade-resilience/pkg/idempotency"
	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/mev-engine/trade-resilience/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Version is reported by /health and /api/v1/status
var Version = "dev"

// Dependencies are the engine components exposed by the operator API
type Dependencies struct {
	// Watcher may be nil when pool detection is disabled
	Watcher   interfaces.PoolWatcher
	Breakers  interfaces.BreakerRegistry
	Endpoints []interfaces.EndpointPool
	// Results backs the Idempotency-Key middleware
	Results  *idempotency.Store[CachedResponse]
	Gatherer prometheus.Gatherer
}

// Server implements the operator REST API
type Server struct {
	config          *config.Config
	logger          *zap.Logger
	server          *http.Server
	handlers        *Handlers
	health          *HealthHandler
	authService     *AuthService
	rateLimiter     *RateLimiter
	idempotency     *IdempotencyMiddleware
	websocketServer *WebSocketServer
	gatherer        prometheus.Gatherer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ interfaces.APIServer = (*Server)(nil)

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	handlers := NewHandlers(deps.Watcher, deps.Breakers, deps.Endpoints, Version, logger)
	websocketServer := NewWebSocketServer(deps.Watcher, handlers.SystemStatus, cfg.Server.AllowedOrigins, logger)

	server := &Server{
		config:          cfg,
		logger:          logger,
		handlers:        handlers,
		health:          NewHealthHandler(Version, deps.Watcher, websocketServer.GetConnectedClients),
		authService:     NewAuthService(cfg.Server.APIKey, logger),
		rateLimiter:     NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		idempotency:     NewIdempotencyMiddleware(deps.Results, logger),
		websocketServer: websocketServer,
		gatherer:        deps.Gatherer,
	}

	server.setupServer()

	return server
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(listener)
}

// Serve starts the hub and serves on an existing listener
func (s *Server) Serve(listener net.Listener) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.websocketServer.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.rateLimiterCleanup(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	s.logger.Info("API server started", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	if err := s.websocketServer.Stop(ctx); err != nil {
		s.logger.Warn("error stopping WebSocket server", zap.Error(err))
	}

	err := s.server.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// GetRouter returns the HTTP router
func (s *Server) GetRouter() http.Handler {
	return s.server.Handler
}

// setupServer configures the HTTP server and routes
func (s *Server) setupServer() {
	router := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins: s.config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key", IdempotencyKeyHeader},
		ExposedHeaders: []string{IdempotentReplayHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
	})

	router.Use(s.loggingMiddleware)
	router.Use(s.rateLimiter.RateLimitMiddleware)

	// Public routes
	router.HandleFunc("/health", s.health.Health).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.health.Ready).Methods(http.MethodGet)
	if s.config.Monitoring.Enabled {
		path := s.config.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, metrics.RegistryHandler(s.gatherer)).Methods(http.MethodGet)
	}
	router.HandleFunc("/ws", s.websocketServer.HandleWebSocket)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Read-only views
	api.HandleFunc("/status", s.handlers.GetSystemStatus).Methods(http.MethodGet)
	api.HandleFunc("/breakers", s.handlers.GetBreakers).Methods(http.MethodGet)
	api.HandleFunc("/breakers/{key}", s.handlers.GetBreaker).Methods(http.MethodGet)
	api.HandleFunc("/endpoints", s.handlers.GetEndpoints).Methods(http.MethodGet)

	// Operator actions
	operator := api.PathPrefix("").Subrouter()
	operator.Use(s.authService.AuthMiddleware)
	operator.Use(s.idempotency.Middleware)
	operator.HandleFunc("/watcher/restart", s.handlers.RestartWatcher).Methods(http.MethodPost)

	s.server = &http.Server{
		Addr:         s.config.Address(),
		Handler:      c.Handler(router),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Int("status", wrapper.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

// rateLimiterCleanup periodically cleans up idle rate limiter entries
func (s *Server) rateLimiterCleanup(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.rateLimiter.CleanupExpiredClients(); removed > 0 {
				s.logger.Debug("rate limiter cleanup", zap.Int("removed", removed))
			}
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the /ws upgrade through the logging wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
