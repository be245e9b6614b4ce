package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockFetcher is a mock implementation of TransactionFetcher
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchPool(ctx context.Context, signature, programID string, slot uint64) (*interfaces.PoolEvent, error) {
	args := m.Called(ctx, signature, programID, slot)
	if fn, ok := args.Get(0).(func()); ok {
		fn()
		return nil, nil
	}
	event, _ := args.Get(0).(*interfaces.PoolEvent)
	return event, args.Error(1)
}

func openTestSession(t *testing.T, server *mockLogsServer, fetcher interfaces.TransactionFetcher, sink interfaces.WatcherMetrics) (interfaces.LogSession, uint64) {
	t.Helper()

	source := NewLogSource(SourceConfig{
		Endpoint:  server.url(),
		Keepalive: time.Minute,
	}, fetcher, sink, zaptest.NewLogger(t))

	session, err := source.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	sub := <-server.subscribed
	require.Equal(t, RaydiumAMMv4, sub.program)
	return session, sub.id
}

func TestLogSource_EmitsMatchingPools(t *testing.T) {
	server := newMockLogsServer(t)
	fetcher := new(MockFetcher)
	sink := newRecordingMetrics()

	pool := &interfaces.PoolEvent{
		Signature: "good",
		ProgramID: RaydiumAMMv4,
		TokenA:    "So11111111111111111111111111111111111111112",
		TokenB:    "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	}
	fetcher.On("FetchPool", mock.Anything, "good", RaydiumAMMv4, uint64(100)).Return(pool, nil)
	fetcher.On("FetchPool", mock.Anything, "bad", RaydiumAMMv4, uint64(101)).Return(nil, errors.New("decode failed"))
	fetcher.On("FetchPool", mock.Anything, "missing", RaydiumAMMv4, uint64(102)).Return(nil, nil)
	fetcher.On("FetchPool", mock.Anything, "boom", RaydiumAMMv4, uint64(103)).Return(func() { panic("bad layout") }, nil)

	session, subID := openTestSession(t, server, fetcher, sink)
	initLogs := []string{"Program 675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8 invoke [1]", "Program log: initialize2: InitializeInstruction2"}

	server.notify(subID, 101, "bad", initLogs, nil)
	server.notify(subID, 102, "missing", initLogs, nil)
	server.notify(subID, 103, "boom", initLogs, nil)
	server.notify(subID, 104, "swap", []string{"Program log: ray_log: AwDh9QUAAAAA"}, nil)
	server.notify(subID, 105, "reverted", initLogs, map[string]interface{}{"InstructionError": []interface{}{4, "Custom"}})
	server.notify(subID, 100, "good", initLogs, nil)

	select {
	case event := <-session.Events():
		assert.Equal(t, *pool, event)
	case <-time.After(2 * time.Second):
		t.Fatal("pool event not emitted")
	}

	// bad and boom are counted, the session survives both
	assert.Eventually(t, func() bool { return sink.parseErrors() == 2 }, 2*time.Second, 10*time.Millisecond)

	select {
	case event := <-session.Events():
		t.Fatalf("unexpected event %+v", event)
	case err := <-session.Err():
		t.Fatalf("session failed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	fetcher.AssertNotCalled(t, "FetchPool", mock.Anything, "swap", mock.Anything, mock.Anything)
	fetcher.AssertNotCalled(t, "FetchPool", mock.Anything, "reverted", mock.Anything, mock.Anything)
}

func TestLogSource_ConnectionLossEndsSession(t *testing.T) {
	server := newMockLogsServer(t)
	session, _ := openTestSession(t, server, new(MockFetcher), nil)

	server.dropAll()

	select {
	case err := <-session.Err():
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}
}

func TestLogSource_CloseUnsubscribes(t *testing.T) {
	server := newMockLogsServer(t)
	session, subID := openTestSession(t, server, new(MockFetcher), nil)

	require.NoError(t, session.Close())
	assert.NoError(t, session.Close())
	assert.Equal(t, []uint64{subID}, server.unsubscribedIDs())
}

func TestLogSource_SubscribeFailure(t *testing.T) {
	server := newMockLogsServer(t)
	server.failSubscribe = true

	source := NewLogSource(SourceConfig{Endpoint: server.url()}, new(MockFetcher), nil, nil)
	_, err := source.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), RaydiumAMMv4)
}

func TestMatchesPattern(t *testing.T) {
	assert.True(t, matchesPattern([]string{"Program log: initialize2: InitializeInstruction2"}, "initialize2"))
	assert.False(t, matchesPattern([]string{"Program log: ray_log"}, "initialize2"))
	assert.False(t, matchesPattern(nil, "initialize2"))
}
