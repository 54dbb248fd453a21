package ledger

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Commitment is the confirmation depth requested when awaiting a signature.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// SendOptions tunes transaction submission.
type SendOptions struct {
	SkipPreflight bool
}

// Gateway is the capability exposed by both the durable ledger and the
// rollup venue. GetAccount returns nil data and a nil error when the
// account does not exist.
type Gateway interface {
	GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
	GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error)
	GetAccount(ctx context.Context, address solana.PublicKey) ([]byte, error)
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, signed []byte, opts SendOptions) (solana.Signature, error)
	ConfirmTransaction(ctx context.Context, signature solana.Signature, commitment Commitment) error
}
