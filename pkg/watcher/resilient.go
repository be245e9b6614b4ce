// Package watcher detects liquidity-pool creation on a Solana log stream.
//
// LogSource is the raw subscription client. Watcher wraps any PoolSource with
// observation timestamps, debouncing, liveness pings and jittered reconnects.
package watcher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/mev-engine/trade-resilience/pkg/metrics"
	"go.uber.org/zap"
)

// ErrMissingEndpoint is returned by New when no subscription endpoint is set
var ErrMissingEndpoint = errors.New("watcher: subscription endpoint is required")

var errSessionEnded = errors.New("log session ended")

const (
	DefaultDebounce     = 500 * time.Millisecond
	DefaultPingInterval = 30 * time.Second
	DefaultJitterBase   = time.Second
	DefaultMailboxSize  = 64
)

// Config holds the watcher settings
type Config struct {
	SubscriptionEndpoint string
	ProgramIDs           []string
	Debounce             time.Duration
	PingInterval         time.Duration
	JitterBase           time.Duration
	MailboxSize          int
}

// Watcher keeps a pool subscription alive and fans events out to subscribers
type Watcher struct {
	config  Config
	source  interfaces.PoolSource
	clock   mclock.Clock
	wallNow func() time.Time
	metrics interfaces.WatcherMetrics
	logger  *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu           sync.Mutex
	running      bool
	state        interfaces.WatcherState
	cancel       context.CancelFunc
	done         chan struct{}
	lastForward  mclock.AbsTime
	hasForwarded bool
	reconnects   uint64
	forwarded    uint64
	debounced    uint64
	lastEventAt  time.Time
	lastPingAt   time.Time

	nextSubID uint64
	poolSubs  map[uint64]*mailbox[interfaces.PoolEvent]
	pingSubs  map[uint64]*mailbox[interfaces.PingEvent]
}

// Option customizes a Watcher
type Option func(*Watcher)

// WithClock replaces the clock driving debounce, pings and backoff
func WithClock(clock mclock.Clock) Option {
	return func(w *Watcher) { w.clock = clock }
}

// WithWallClock replaces the source of DetectedAt and ping timestamps
func WithWallClock(now func() time.Time) Option {
	return func(w *Watcher) { w.wallNow = now }
}

// WithRand replaces the jitter source
func WithRand(rng *rand.Rand) Option {
	return func(w *Watcher) { w.rng = rng }
}

// WithMetrics wires the watcher counters
func WithMetrics(sink interfaces.WatcherMetrics) Option {
	return func(w *Watcher) { w.metrics = sink }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// New creates a stopped watcher over source
func New(config Config, source interfaces.PoolSource, opts ...Option) (*Watcher, error) {
	if config.SubscriptionEndpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if len(config.ProgramIDs) == 0 {
		config.ProgramIDs = []string{RaydiumAMMv4}
	}
	if config.Debounce < 0 {
		config.Debounce = 0
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.JitterBase <= 0 {
		config.JitterBase = DefaultJitterBase
	}
	if config.MailboxSize <= 0 {
		config.MailboxSize = DefaultMailboxSize
	}

	w := &Watcher{
		config:   config,
		source:   source,
		clock:    mclock.System{},
		wallNow:  time.Now,
		metrics:  metrics.Noop{},
		logger:   zap.NewNop(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		state:    interfaces.WatcherStateStopped,
		poolSubs: make(map[uint64]*mailbox[interfaces.PoolEvent]),
		pingSubs: make(map[uint64]*mailbox[interfaces.PingEvent]),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("watcher")

	return w, nil
}

// Start launches the subscription loop. It is a no-op while already running.
// The loop outlives ctx; it ends with Stop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(loopCtx, w.done)

	w.logger.Info("watcher started",
		zap.String("endpoint", w.config.SubscriptionEndpoint),
		zap.Strings("program_ids", w.config.ProgramIDs))
	return nil
}

// Stop cancels any pending reconnect, closes the live session and discards
// queued events. It waits for the loop to exit or ctx to end.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.setStateLocked(interfaces.WatcherStateStopped)
	done := w.done
	pools := w.poolMailboxesLocked()
	pings := w.pingMailboxesLocked()
	w.mu.Unlock()

	for _, mb := range pools {
		mb.drain()
	}
	for _, mb := range pings {
		mb.drain()
	}

	select {
	case <-done:
		w.logger.Info("watcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops and starts the watcher, forcing a fresh session
func (w *Watcher) Restart(ctx context.Context) error {
	if err := w.Stop(ctx); err != nil {
		return err
	}
	return w.Start(ctx)
}

// Subscribe registers handler for pool events. Each handler runs on its own
// goroutine behind a bounded mailbox; events are dropped when it is full.
func (w *Watcher) Subscribe(handler func(interfaces.PoolEvent)) func() {
	mb := newMailbox(w.config.MailboxSize, handler, w.isRunning, w.logger)

	w.mu.Lock()
	w.nextSubID++
	id := w.nextSubID
	w.poolSubs[id] = mb
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.poolSubs, id)
		w.mu.Unlock()
		mb.close()
	}
}

// SubscribePings registers handler for liveness pings
func (w *Watcher) SubscribePings(handler func(interfaces.PingEvent)) func() {
	mb := newMailbox(w.config.MailboxSize, handler, w.isRunning, w.logger)

	w.mu.Lock()
	w.nextSubID++
	id := w.nextSubID
	w.pingSubs[id] = mb
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.pingSubs, id)
		w.mu.Unlock()
		mb.close()
	}
}

// Status returns a point-in-time view of the watcher
func (w *Watcher) Status() interfaces.WatcherStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	programs := make([]string, len(w.config.ProgramIDs))
	copy(programs, w.config.ProgramIDs)

	status := interfaces.WatcherStatus{
		State:       w.state,
		Endpoint:    w.config.SubscriptionEndpoint,
		ProgramIDs:  programs,
		Subscribers: len(w.poolSubs),
		Reconnects:  w.reconnects,
		Forwarded:   w.forwarded,
		Debounced:   w.debounced,
	}
	if !w.lastEventAt.IsZero() {
		t := w.lastEventAt
		status.LastEventAt = &t
	}
	if !w.lastPingAt.IsZero() {
		t := w.lastPingAt
		status.LastPingAt = &t
	}
	return status
}

// State returns the lifecycle state
func (w *Watcher) State() interfaces.WatcherState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		w.setState(ctx, interfaces.WatcherStateConnecting)

		session, err := w.source.Open(ctx)
		if err == nil {
			w.setState(ctx, interfaces.WatcherStateRunning)
			err = w.serve(ctx, session)
			if cerr := session.Close(); cerr != nil {
				w.logger.Debug("session close failed", zap.Error(cerr))
			}
		}
		if ctx.Err() != nil {
			return
		}

		delay := w.backoff()
		w.logger.Warn("log subscription lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay))

		timer := w.clock.NewTimer(delay)
		w.mu.Lock()
		w.reconnects++
		w.mu.Unlock()
		w.setState(ctx, interfaces.WatcherStateBackoff)
		w.metrics.RecordReconnect(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

// serve pumps one session until it fails or ctx ends
func (w *Watcher) serve(ctx context.Context, session interfaces.LogSession) error {
	ping := w.clock.NewTimer(w.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-session.Err():
			if !ok || err == nil {
				return errSessionEnded
			}
			return err
		case event, ok := <-session.Events():
			if !ok {
				return errSessionEnded
			}
			w.forward(event)
		case <-ping.C():
			w.ping()
			ping.Reset(w.config.PingInterval)
		}
	}
}

func (w *Watcher) forward(event interfaces.PoolEvent) {
	now := w.clock.Now()

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	if w.hasForwarded && time.Duration(now-w.lastForward) < w.config.Debounce {
		w.debounced++
		w.mu.Unlock()
		w.metrics.RecordPoolDebounced()
		return
	}

	event.DetectedAt = w.wallNow()
	w.lastForward = now
	w.hasForwarded = true
	w.forwarded++
	w.lastEventAt = event.DetectedAt
	subs := w.poolMailboxesLocked()
	w.mu.Unlock()

	w.metrics.RecordPoolDetected(event.ProgramID)
	w.logger.Info("pool detected",
		zap.String("signature", event.Signature),
		zap.String("program_id", event.ProgramID),
		zap.String("token_a", event.TokenA),
		zap.String("token_b", event.TokenB),
		zap.Uint64("slot", event.DetectedAtSlot))

	for _, mb := range subs {
		if !mb.offer(event) {
			w.metrics.RecordPoolDropped("mailbox_full")
		}
	}
}

func (w *Watcher) ping() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	event := interfaces.PingEvent{Timestamp: w.wallNow()}
	w.lastPingAt = event.Timestamp
	subs := w.pingMailboxesLocked()
	w.mu.Unlock()

	w.metrics.RecordPing()
	for _, mb := range subs {
		mb.offer(event)
	}
}

// backoff returns JitterBase plus a uniform jitter in [0, JitterBase)
func (w *Watcher) backoff() time.Duration {
	base := w.config.JitterBase

	w.rngMu.Lock()
	jitter := time.Duration(w.rng.Int63n(int64(base)))
	w.rngMu.Unlock()

	return base + jitter
}

// setState updates the state unless the loop owning ctx has been stopped
func (w *Watcher) setState(ctx context.Context, state interfaces.WatcherState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	w.setStateLocked(state)
}

func (w *Watcher) setStateLocked(state interfaces.WatcherState) {
	w.state = state
	w.metrics.SetWatcherState(state)
}

func (w *Watcher) poolMailboxesLocked() []*mailbox[interfaces.PoolEvent] {
	out := make([]*mailbox[interfaces.PoolEvent], 0, len(w.poolSubs))
	for _, mb := range w.poolSubs {
		out = append(out, mb)
	}
	return out
}

func (w *Watcher) pingMailboxesLocked() []*mailbox[interfaces.PingEvent] {
	out := make([]*mailbox[interfaces.PingEvent], 0, len(w.pingSubs))
	for _, mb := range w.pingSubs {
		out = append(out, mb)
	}
	return out
}
