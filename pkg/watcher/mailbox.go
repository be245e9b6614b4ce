package watcher

import (
	"sync"

	"go.uber.org/zap"
)

// mailbox decouples one subscriber from the ingestion loop
type mailbox[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
	handler   func(T)
	active    func() bool
	logger    *zap.Logger
}

func newMailbox[T any](size int, handler func(T), active func() bool, logger *zap.Logger) *mailbox[T] {
	mb := &mailbox[T]{
		ch:      make(chan T, size),
		done:    make(chan struct{}),
		handler: handler,
		active:  active,
		logger:  logger,
	}
	go mb.run()
	return mb
}

// offer enqueues v without blocking and reports whether it was accepted
func (m *mailbox[T]) offer(v T) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.ch <- v:
		return true
	default:
		return false
	}
}

// drain discards everything queued
func (m *mailbox[T]) drain() {
	for {
		select {
		case <-m.ch:
		default:
			return
		}
	}
}

func (m *mailbox[T]) close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *mailbox[T]) run() {
	for {
		select {
		case <-m.done:
			return
		case v := <-m.ch:
			if !m.active() {
				continue
			}
			m.deliver(v)
		}
	}
}

func (m *mailbox[T]) deliver(v T) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber panicked", zap.Any("panic", r))
		}
	}()
	m.handler(v)
}
