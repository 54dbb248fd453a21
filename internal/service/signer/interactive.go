package signer

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Approver asks the key holder whether to sign. It may block until the
// holder answers or ctx ends.
type Approver func(ctx context.Context, req ApprovalRequest) (bool, error)

// ApprovalRequest summarizes what the holder is being asked to sign.
type ApprovalRequest struct {
	Signer       solana.PublicKey
	Instructions int
	Programs     []solana.PublicKey
}

// AutoApprove signs without asking.
func AutoApprove(context.Context, ApprovalRequest) (bool, error) { return true, nil }

// Interactive signs with a locally held key after the holder approves.
type Interactive struct {
	key     solana.PrivateKey
	approve Approver
}

// NewInteractive binds a key to an approval prompt. A nil approver
// approves everything.
func NewInteractive(key solana.PrivateKey, approve Approver) *Interactive {
	if approve == nil {
		approve = AutoApprove
	}
	return &Interactive{key: key, approve: approve}
}

func (s *Interactive) PublicKey() solana.PublicKey { return s.key.PublicKey() }

func (s *Interactive) Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	req := ApprovalRequest{Signer: s.PublicKey(), Instructions: len(tx.Message.Instructions)}
	seen := make(map[solana.PublicKey]struct{})
	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			continue
		}
		program := tx.Message.AccountKeys[ix.ProgramIDIndex]
		if _, ok := seen[program]; !ok {
			seen[program] = struct{}{}
			req.Programs = append(req.Programs, program)
		}
	}

	type answer struct {
		ok  bool
		err error
	}
	done := make(chan answer, 1)
	go func() {
		ok, err := s.approve(ctx, req)
		done <- answer{ok: ok, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrApprovalDenied, ctx.Err())
	case a := <-done:
		if a.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrApprovalDenied, a.err)
		}
		if !a.ok {
			return nil, ErrApprovalDenied
		}
	}

	if err := partialSign(tx, s.key); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Interactive) SignAll(ctx context.Context, txs []*solana.Transaction) ([]*solana.Transaction, error) {
	return signEach(ctx, s, txs)
}
