package watcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mev-engine/trade-resilience/pkg/breaker"
	"github.com/mev-engine/trade-resilience/pkg/rpcpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	raydiumProgram = solana.MustPublicKeyFromBase58(RaydiumAMMv4)
	wsolMint       = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	usdcMint       = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	tokenProgram   = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
)

func filler(b byte) solana.PublicKey {
	return solana.PublicKeyFromBytes(bytes.Repeat([]byte{b}, 32))
}

// initializeTx builds a transaction whose Raydium instruction references
// the two mints at accounts 8 and 9
func initializeTx() *solana.Transaction {
	keys := []solana.PublicKey{filler(1), tokenProgram, raydiumProgram}
	for i := byte(10); i < 17; i++ {
		keys = append(keys, filler(i))
	}
	keys = append(keys, wsolMint, usdcMint)

	// accounts 0..7 point at fillers, 8 and 9 at the mints
	accounts := []uint16{1, 3, 4, 5, 6, 7, 8, 9, 10, 11, 0, 0}

	return &solana.Transaction{
		Signatures: []solana.Signature{{1}},
		Message: solana.Message{
			Header: solana.MessageHeader{
				NumRequiredSignatures:       1,
				NumReadonlyUnsignedAccounts: 2,
			},
			AccountKeys: keys,
			Instructions: []solana.CompiledInstruction{
				{ProgramIDIndex: 1, Accounts: []uint16{0}, Data: []byte{2}},
				{ProgramIDIndex: 2, Accounts: accounts, Data: []byte{1, 254}},
			},
		},
	}
}

func TestExtractPoolMints(t *testing.T) {
	tokenA, tokenB, err := ExtractPoolMints(initializeTx(), nil, raydiumProgram, DefaultLayout)
	require.NoError(t, err)
	assert.Equal(t, wsolMint, tokenA)
	assert.Equal(t, usdcMint, tokenB)
}

func TestExtractPoolMints_LookupTableAccounts(t *testing.T) {
	tx := &solana.Transaction{
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{filler(1), raydiumProgram},
			Instructions: []solana.CompiledInstruction{
				{ProgramIDIndex: 1, Accounts: []uint16{0, 0, 0, 0, 0, 0, 0, 0, 2, 3}},
			},
		},
	}

	tokenA, tokenB, err := ExtractPoolMints(tx, []solana.PublicKey{wsolMint, usdcMint}, raydiumProgram, DefaultLayout)
	require.NoError(t, err)
	assert.Equal(t, wsolMint, tokenA)
	assert.Equal(t, usdcMint, tokenB)
}

func TestExtractPoolMints_Errors(t *testing.T) {
	tests := []struct {
		name string
		tx   *solana.Transaction
	}{
		{
			name: "no program instruction",
			tx: &solana.Transaction{Message: solana.Message{
				AccountKeys:  []solana.PublicKey{filler(1), tokenProgram},
				Instructions: []solana.CompiledInstruction{{ProgramIDIndex: 1, Accounts: []uint16{0}}},
			}},
		},
		{
			name: "too few accounts",
			tx: &solana.Transaction{Message: solana.Message{
				AccountKeys:  []solana.PublicKey{filler(1), raydiumProgram},
				Instructions: []solana.CompiledInstruction{{ProgramIDIndex: 1, Accounts: []uint16{0, 0, 0}}},
			}},
		},
		{
			name: "account index out of range",
			tx: &solana.Transaction{Message: solana.Message{
				AccountKeys:  []solana.PublicKey{filler(1), raydiumProgram},
				Instructions: []solana.CompiledInstruction{{ProgramIDIndex: 1, Accounts: []uint16{0, 0, 0, 0, 0, 0, 0, 0, 7, 9}}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ExtractPoolMints(tt.tx, nil, raydiumProgram, DefaultLayout)
			assert.Error(t, err)
		})
	}

	_, _, err := ExtractPoolMints(tests[0].tx, nil, raydiumProgram, DefaultLayout)
	assert.ErrorIs(t, err, ErrNoPoolInstruction)
}

func TestLayoutFor(t *testing.T) {
	assert.Equal(t, DefaultLayout, LayoutFor(RaydiumAMMv4))
	assert.Equal(t, DefaultLayout, LayoutFor("unknown-program"))
}

// rpcServer answers getTransaction with a canned result or HTTP status
type rpcServer struct {
	server *httptest.Server
	calls  atomic.Int32
}

func newRPCServer(t *testing.T, status int, result interface{}) *rpcServer {
	t.Helper()
	s := &rpcServer{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)

		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]interface{}{"code": -32005, "message": "Too many requests"},
			})
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(s.server.Close)
	return s
}

func testSignature() string {
	return solana.Signature{9, 9, 9}.String()
}

func newTestFetcher(endpoints []string, maxErrors, threshold int) (*RPCTransactionFetcher, *rpcpool.Manager, *breaker.Manager) {
	pool := rpcpool.NewManager(rpcpool.Config{Name: "solana", Endpoints: endpoints, MaxErrors: maxErrors}, nil, nil)
	breakers := breaker.NewManager(breaker.Config{FailureThreshold: threshold, Cooldown: time.Minute})
	return NewRPCTransactionFetcher(pool, breakers, "", "", nil), pool, breakers
}

func TestFetchPool_Decodes(t *testing.T) {
	raw, err := initializeTx().MarshalBinary()
	require.NoError(t, err)

	srv := newRPCServer(t, http.StatusOK, map[string]interface{}{
		"slot":        12345,
		"blockTime":   nil,
		"meta":        nil,
		"transaction": []string{base64.StdEncoding.EncodeToString(raw), "base64"},
	})
	fetcher, _, _ := newTestFetcher([]string{srv.server.URL}, 3, 3)

	event, err := fetcher.FetchPool(context.Background(), testSignature(), RaydiumAMMv4, 12345)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, testSignature(), event.Signature)
	assert.Equal(t, RaydiumAMMv4, event.ProgramID)
	assert.Equal(t, wsolMint.String(), event.TokenA)
	assert.Equal(t, usdcMint.String(), event.TokenB)
	assert.Equal(t, uint64(12345), event.DetectedAtSlot)
}

func TestFetchPool_NotFoundIsUpstreamSuccess(t *testing.T) {
	srv := newRPCServer(t, http.StatusOK, nil)
	fetcher, pool, breakers := newTestFetcher([]string{srv.server.URL}, 3, 1)

	event, err := fetcher.FetchPool(context.Background(), testSignature(), RaydiumAMMv4, 1)
	require.NoError(t, err)
	assert.Nil(t, event)

	assert.Equal(t, breaker.StateClosed, breakers.State(DefaultBreakerKey))
	assert.Equal(t, 0, pool.Snapshot().ConsecutiveErrors)
}

func TestFetchPool_FailoverToHealthyEndpoint(t *testing.T) {
	failing := newRPCServer(t, http.StatusTooManyRequests, nil)
	healthy := newRPCServer(t, http.StatusOK, nil)
	fetcher, pool, breakers := newTestFetcher([]string{failing.server.URL, healthy.server.URL}, 1, 3)

	_, err := fetcher.FetchPool(context.Background(), testSignature(), RaydiumAMMv4, 1)
	require.Error(t, err)
	assert.Equal(t, healthy.server.URL, pool.GetCurrentEndpoint())

	_, err = fetcher.FetchPool(context.Background(), testSignature(), RaydiumAMMv4, 1)
	require.NoError(t, err)

	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Equal(t, int32(1), healthy.calls.Load())

	snap, ok := breakers.Snapshot(DefaultBreakerKey)
	require.True(t, ok)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestFetchPool_BreakerOpensOnSustainedFailure(t *testing.T) {
	failing := newRPCServer(t, http.StatusInternalServerError, nil)
	fetcher, _, breakers := newTestFetcher([]string{failing.server.URL}, 3, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := fetcher.FetchPool(ctx, testSignature(), RaydiumAMMv4, 1)
		require.Error(t, err)
		assert.False(t, breaker.IsCircuitOpen(err))
	}
	assert.Equal(t, breaker.StateOpen, breakers.State(DefaultBreakerKey))

	_, err := fetcher.FetchPool(ctx, testSignature(), RaydiumAMMv4, 1)
	assert.True(t, breaker.IsCircuitOpen(err))
	assert.Equal(t, int32(2), failing.calls.Load(), "open breaker must not reach the endpoint")
}

func TestFetchPool_InvalidInput(t *testing.T) {
	fetcher, _, _ := newTestFetcher([]string{"http://127.0.0.1:1"}, 3, 3)

	_, err := fetcher.FetchPool(context.Background(), "not-base58-!!", RaydiumAMMv4, 1)
	assert.Error(t, err)

	_, err = fetcher.FetchPool(context.Background(), testSignature(), "bad-program", 1)
	assert.Error(t, err)
}
