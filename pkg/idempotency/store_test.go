package idempotency

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func (c *countingSink) RecordIdempotencyHit()               { c.hits.Add(1) }
func (c *countingSink) RecordIdempotencyMiss()              { c.misses.Add(1) }
func (c *countingSink) RecordIdempotencyEviction(count int) { c.evictions.Add(int64(count)) }

type quote struct {
	Route  string
	Amount uint64
}

func newTestStore(t *testing.T, ttl time.Duration) (*Store[quote], *mclock.Simulated, *countingSink) {
	t.Helper()
	clock := &mclock.Simulated{}
	sink := &countingSink{}
	s := New[quote](ttl, WithClock(clock), WithMetrics(sink))
	t.Cleanup(s.Close)
	// the sweep goroutine has armed its timer
	clock.WaitForTimers(1)
	return s, clock, sink
}

func TestStore_GetSet(t *testing.T) {
	s, _, sink := newTestStore(t, time.Minute)

	_, ok := s.Get("missing")
	assert.False(t, ok)

	s.Set("swap-1", quote{Route: "SOL->USDC", Amount: 42})
	got, ok := s.Get("swap-1")
	require.True(t, ok)
	assert.Equal(t, quote{Route: "SOL->USDC", Amount: 42}, got)

	assert.Equal(t, int64(1), sink.hits.Load())
	assert.Equal(t, int64(1), sink.misses.Load())
}

func TestStore_LastWriterWins(t *testing.T) {
	s, _, _ := newTestStore(t, time.Minute)

	s.Set("k", quote{Amount: 1})
	s.Set("k", quote{Amount: 2})

	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Amount)
}

func TestStore_ExpiredEntryIsNeverReturned(t *testing.T) {
	s, clock, sink := newTestStore(t, 10*time.Minute)

	s.Set("k", quote{Amount: 7})

	clock.Run(10 * time.Minute)
	_, ok := s.Get("k")
	assert.True(t, ok, "entry aged exactly ttl is still fresh")

	clock.Run(time.Millisecond)
	_, ok = s.Get("k")
	assert.False(t, ok)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return sink.evictions.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStore_OverwriteRefreshesTimestamp(t *testing.T) {
	s, clock, _ := newTestStore(t, 10*time.Minute)

	s.Set("k", quote{Amount: 1})
	clock.Run(9 * time.Minute)
	s.Set("k", quote{Amount: 2})
	clock.Run(5 * time.Minute)

	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Amount)
}

func TestStore_Delete(t *testing.T) {
	s, _, _ := newTestStore(t, time.Minute)

	s.Set("k", quote{})
	s.Delete("k")
	s.Delete("never-set")

	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestStore_Cleanup(t *testing.T) {
	s, clock, _ := newTestStore(t, time.Hour)
	s.Close()

	s.Set("old-1", quote{})
	s.Set("old-2", quote{})
	clock.Run(30 * time.Minute)
	s.Set("fresh", quote{})
	clock.Run(31 * time.Minute)

	// nothing sweeps after Close, the store still holds all three
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 2, s.Cleanup())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 0, s.Cleanup())

	_, ok := s.Get("fresh")
	assert.True(t, ok)
}

func TestStore_BackgroundSweep(t *testing.T) {
	s, clock, sink := newTestStore(t, time.Minute)

	for i := 0; i < 5; i++ {
		s.Set(fmt.Sprintf("req-%d", i), quote{})
	}

	clock.Run(time.Minute + time.Second)

	assert.Eventually(t, func() bool { return sink.evictions.Load() == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Len())

	// the sweep re-arms itself after running
	clock.WaitForTimers(1)
}

func TestStore_CloseIsIdempotent(t *testing.T) {
	s := New[string](time.Minute, WithClock(&mclock.Simulated{}))

	done := make(chan struct{})
	go func() {
		s.Close()
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked")
	}
}

func TestStore_DefaultTTL(t *testing.T) {
	s := New[int](0)
	defer s.Close()

	assert.Equal(t, DefaultTTL, s.TTL())
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s, clock, _ := newTestStore(t, time.Second)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d", i%16)
				s.Set(key, quote{Amount: uint64(w)})
				s.Get(key)
				if i%50 == 0 {
					s.Cleanup()
				}
			}
		}(w)
	}
	wg.Wait()

	clock.Run(2 * time.Second)
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}
