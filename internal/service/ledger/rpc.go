package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/zerorouter/zerorouter/backend/internal/clock"
)

// RPCGateway implements Gateway against a JSON-RPC endpoint. The same type
// serves the durable ledger and the rollup venue; only the URL differs.
type RPCGateway struct {
	name         string
	client       *rpc.Client
	clock        clock.Clock
	pollInterval time.Duration
}

// NewRPCGateway dials nothing up front; every call is a fresh request.
func NewRPCGateway(name, endpoint string, clk clock.Clock) *RPCGateway {
	if clk == nil {
		clk = clock.Real()
	}
	return &RPCGateway{
		name:         name,
		client:       rpc.New(endpoint),
		clock:        clk,
		pollInterval: 500 * time.Millisecond,
	}
}

// Name identifies the venue in logs.
func (g *RPCGateway) Name() string { return g.name }

func (g *RPCGateway) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	res, err := g.client.GetBalance(ctx, address, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, unavailable(g.name+" get balance", err)
	}
	return res.Value, nil
}

func (g *RPCGateway) GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	res, err := g.client.GetTokenAccountBalance(ctx, tokenAccount, rpc.CommitmentConfirmed)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return 0, nil
		}
		return 0, unavailable(g.name+" get token balance", err)
	}
	if res.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token amount %q: %w", res.Value.Amount, err)
	}
	return amount, nil
}

func (g *RPCGateway) GetAccount(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	res, err := g.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, unavailable(g.name+" get account", err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, nil
	}
	data := res.Value.Data.GetBinary()
	if data == nil {
		// Existing accounts with empty data still count as present.
		return []byte{}, nil
	}
	return data, nil
}

func (g *RPCGateway) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := g.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, unavailable(g.name+" get latest blockhash", err)
	}
	if res.Value == nil {
		return solana.Hash{}, unavailable(g.name+" get latest blockhash", errors.New("empty result"))
	}
	return res.Value.Blockhash, nil
}

func (g *RPCGateway) SendTransaction(ctx context.Context, signed []byte, opts SendOptions) (solana.Signature, error) {
	sig, err := g.client.SendRawTransactionWithOpts(ctx, signed, rpc.TransactionOpts{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return solana.Signature{}, &RejectedError{Reason: rpcErr.Message}
		}
		return solana.Signature{}, unavailable(g.name+" send transaction", err)
	}
	return sig, nil
}

// ConfirmTransaction polls signature status until the commitment is
// reached, the transaction fails, or ctx ends.
func (g *RPCGateway) ConfirmTransaction(ctx context.Context, signature solana.Signature, commitment Commitment) error {
	ticker := g.clock.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		res, err := g.client.GetSignatureStatuses(ctx, false, signature)
		if err != nil && ctx.Err() == nil {
			return unavailable(g.name+" get signature status", err)
		}
		if err == nil && res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return Rejected("%v", status.Err)
			}
			if reached(status.ConfirmationStatus, commitment) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrConfirmTimeout, signature)
		case <-ticker.C():
		}
	}
}

func reached(status rpc.ConfirmationStatusType, want Commitment) bool {
	rank := map[rpc.ConfirmationStatusType]int{
		rpc.ConfirmationStatusProcessed: 1,
		rpc.ConfirmationStatusConfirmed: 2,
		rpc.ConfirmationStatusFinalized: 3,
	}
	wantRank := map[Commitment]int{
		CommitmentProcessed: 1,
		CommitmentConfirmed: 2,
		CommitmentFinalized: 3,
	}[want]
	if wantRank == 0 {
		wantRank = 2
	}
	return rank[status] >= wantRank
}
