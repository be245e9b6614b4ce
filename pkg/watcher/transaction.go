package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mev-engine/trade-resilience/pkg/breaker"
	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/mev-engine/trade-resilience/pkg/rpcpool"
	"go.uber.org/zap"
)

// RaydiumAMMv4 is the Raydium liquidity pool v4 program
const RaydiumAMMv4 = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"

// DefaultBreakerKey guards transaction lookups in the breaker manager
const DefaultBreakerKey = "solana-rpc"

// ErrNoPoolInstruction means the transaction has no instruction for the program
var ErrNoPoolInstruction = errors.New("no pool instruction for program")

// PoolLayout locates the pool-initialization instruction of a program and the
// positions of the two token mints in its account list.
type PoolLayout struct {
	LogPattern  string
	TokenAIndex int
	TokenBIndex int
}

// DefaultLayout matches the Raydium AMM v4 initialize2 instruction, where
// the coin and pc mints sit at accounts 8 and 9.
var DefaultLayout = PoolLayout{
	LogPattern:  "initialize2",
	TokenAIndex: 8,
	TokenBIndex: 9,
}

// KnownLayouts maps program ids to their pool layouts
var KnownLayouts = map[string]PoolLayout{
	RaydiumAMMv4: DefaultLayout,
}

// LayoutFor returns the layout registered for programID, or DefaultLayout
func LayoutFor(programID string) PoolLayout {
	if layout, ok := KnownLayouts[programID]; ok {
		return layout
	}
	return DefaultLayout
}

// RPCTransactionFetcher resolves pool events by fetching the transaction over
// JSON-RPC. Lookups go to the current endpoint of the pool and are guarded by
// a circuit breaker.
type RPCTransactionFetcher struct {
	endpoints  *rpcpool.Manager
	breakers   *breaker.Manager
	breakerKey string
	commitment rpc.CommitmentType
	logger     *zap.Logger
}

// NewRPCTransactionFetcher creates a fetcher. An empty breaker key uses
// DefaultBreakerKey and an empty commitment uses confirmed.
func NewRPCTransactionFetcher(endpoints *rpcpool.Manager, breakers *breaker.Manager, breakerKey, commitment string, logger *zap.Logger) *RPCTransactionFetcher {
	if breakerKey == "" {
		breakerKey = DefaultBreakerKey
	}
	if commitment == "" {
		commitment = string(rpc.CommitmentConfirmed)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPCTransactionFetcher{
		endpoints:  endpoints,
		breakers:   breakers,
		breakerKey: breakerKey,
		commitment: rpc.CommitmentType(commitment),
		logger:     logger.Named("fetcher"),
	}
}

// FetchPool returns the pool created by signature, or nil if the transaction
// is not (yet) visible to the node.
func (f *RPCTransactionFetcher) FetchPool(ctx context.Context, signature, programID string, slot uint64) (*interfaces.PoolEvent, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}
	program, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("invalid program id %q: %w", programID, err)
	}

	res, err := f.getTransaction(ctx, sig)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Transaction == nil {
		return nil, nil
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", signature, err)
	}

	var loaded []solana.PublicKey
	if res.Meta != nil {
		loaded = append(loaded, res.Meta.LoadedAddresses.Writable...)
		loaded = append(loaded, res.Meta.LoadedAddresses.ReadOnly...)
	}

	tokenA, tokenB, err := ExtractPoolMints(tx, loaded, program, LayoutFor(programID))
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", signature, err)
	}

	return &interfaces.PoolEvent{
		Signature:      signature,
		ProgramID:      programID,
		TokenA:         tokenA.String(),
		TokenB:         tokenB.String(),
		DetectedAtSlot: slot,
	}, nil
}

func (f *RPCTransactionFetcher) getTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	if err := f.breakers.Before(f.breakerKey); err != nil {
		return nil, err
	}

	maxVersion := uint64(0)
	client := f.endpoints.GetConnection()
	res, err := client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     f.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})

	switch {
	case errors.Is(err, rpc.ErrNotFound):
		// The node answered; the transaction is just not visible yet
		f.breakers.Success(f.breakerKey)
		f.endpoints.ResetErrors()
		return nil, nil
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.breakers.Fail(f.breakerKey)
		f.endpoints.RecordError()
		return nil, fmt.Errorf("getTransaction %s: %w", sig, err)
	}

	f.breakers.Success(f.breakerKey)
	f.endpoints.ResetErrors()
	return res, nil
}

// ExtractPoolMints finds the first top-level instruction of program and
// returns the accounts at the layout's token positions. loaded holds the
// addresses resolved from lookup tables, writable first.
func ExtractPoolMints(tx *solana.Transaction, loaded []solana.PublicKey, program solana.PublicKey, layout PoolLayout) (solana.PublicKey, solana.PublicKey, error) {
	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys)+len(loaded))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, loaded...)

	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) || !keys[inst.ProgramIDIndex].Equals(program) {
			continue
		}

		if len(inst.Accounts) <= layout.TokenAIndex || len(inst.Accounts) <= layout.TokenBIndex {
			return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("instruction has %d accounts, need %d",
				len(inst.Accounts), max(layout.TokenAIndex, layout.TokenBIndex)+1)
		}

		a := int(inst.Accounts[layout.TokenAIndex])
		b := int(inst.Accounts[layout.TokenBIndex])
		if a >= len(keys) || b >= len(keys) {
			return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("account index out of range (%d, %d of %d)", a, b, len(keys))
		}
		return keys[a], keys[b], nil
	}

	return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("%w %s", ErrNoPoolInstruction, program)
}
