package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/mev-engine/trade-resilience/pkg/metrics"
	"go.uber.org/zap"
)

// SourceConfig configures the raw log subscription
type SourceConfig struct {
	Endpoint   string
	ProgramIDs []string
	Commitment string
	Keepalive  time.Duration
}

// LogSource opens logs subscriptions for a set of programs and turns matching
// notifications into pool events.
type LogSource struct {
	config  SourceConfig
	fetcher interfaces.TransactionFetcher
	metrics interfaces.WatcherMetrics
	logger  *zap.Logger
}

// NewLogSource creates a log source. Without program ids it watches Raydium AMM v4.
func NewLogSource(config SourceConfig, fetcher interfaces.TransactionFetcher, sink interfaces.WatcherMetrics, logger *zap.Logger) *LogSource {
	if len(config.ProgramIDs) == 0 {
		config.ProgramIDs = []string{RaydiumAMMv4}
	}
	if config.Commitment == "" {
		config.Commitment = "confirmed"
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSource{
		config:  config,
		fetcher: fetcher,
		metrics: sink,
		logger:  logger.Named("source"),
	}
}

// Open dials the endpoint and subscribes to every configured program
func (s *LogSource) Open(ctx context.Context) (interfaces.LogSession, error) {
	conn, err := DialLogs(ctx, s.config.Endpoint, s.config.Keepalive, s.logger)
	if err != nil {
		return nil, err
	}

	programs := make(map[uint64]string, len(s.config.ProgramIDs))
	for _, programID := range s.config.ProgramIDs {
		subID, err := conn.SubscribeMentions(ctx, programID, s.config.Commitment)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe to %s: %w", programID, err)
		}
		programs[subID] = programID
		s.logger.Info("subscribed to program logs",
			zap.String("program_id", programID),
			zap.Uint64("subscription", subID))
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	session := &logSession{
		source:   s,
		conn:     conn,
		programs: programs,
		events:   make(chan interfaces.PoolEvent, notificationBuf),
		errCh:    make(chan error, 1),
		ctx:      sessionCtx,
		cancel:   cancel,
	}

	session.wg.Add(1)
	go session.run()

	return session, nil
}

// logSession is one live connection plus its subscriptions
type logSession struct {
	source   *LogSource
	conn     *LogsConnection
	programs map[uint64]string

	events chan interfaces.PoolEvent
	errCh  chan error

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (s *logSession) Events() <-chan interfaces.PoolEvent { return s.events }
func (s *logSession) Err() <-chan error                   { return s.errCh }

// Close unsubscribes, ends the connection and discards in-flight lookups
func (s *logSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for subID := range s.programs {
			if uerr := s.conn.Unsubscribe(ctx, subID); uerr != nil && !errors.Is(uerr, ErrConnectionClosed) {
				s.source.logger.Debug("unsubscribe failed", zap.Uint64("subscription", subID), zap.Error(uerr))
			}
		}

		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *logSession) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-s.conn.Err():
			s.errCh <- err
			return
		case n := <-s.conn.Notifications():
			programID, ok := s.programs[n.Subscription]
			if !ok || n.Failed() || !matchesPattern(n.Logs, LayoutFor(programID).LogPattern) {
				continue
			}
			s.wg.Add(1)
			go s.handle(programID, n)
		}
	}
}

// handle resolves one notification. Failures stay local to the message.
func (s *logSession) handle(programID string, n LogNotification) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.source.metrics.RecordParseError(programID)
			s.source.logger.Error("panic while handling log notification",
				zap.String("signature", n.Signature),
				zap.Any("panic", r))
		}
	}()

	event, err := s.source.fetcher.FetchPool(s.ctx, n.Signature, programID, n.Slot)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.source.metrics.RecordParseError(programID)
		s.source.logger.Warn("failed to resolve pool transaction",
			zap.String("signature", n.Signature),
			zap.String("program_id", programID),
			zap.Error(err))
		return
	}
	if event == nil {
		s.source.logger.Debug("transaction not found", zap.String("signature", n.Signature))
		return
	}

	select {
	case s.events <- *event:
	case <-s.ctx.Done():
	}
}

func matchesPattern(logs []string, pattern string) bool {
	for _, line := range logs {
		if strings.Contains(line, pattern) {
			return true
		}
	}
	return false
}
