package signer

import (
	"context"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Custodian is the server side of remote signing: it holds the key and
// partial-signs transactions that name it as a required signer and only
// invoke allowed programs.
type Custodian struct {
	key     solana.PrivateKey
	allowed []solana.PublicKey
}

// NewCustodian parses secret; an empty secret fails closed with
// ErrSignerNotConfigured. SignBase64 refuses any transaction that calls a
// program outside programs, so with none given it refuses everything.
func NewCustodian(secret string, programs ...solana.PublicKey) (*Custodian, error) {
	key, err := ParsePrivateKey(secret)
	if err != nil {
		return nil, err
	}
	return &Custodian{key: key, allowed: programs}, nil
}

func (c *Custodian) PublicKey() solana.PublicKey { return c.key.PublicKey() }

// SignBase64 decodes a wire transaction, adds the custodian's signature
// and re-encodes it.
func (c *Custodian) SignBase64(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", fmt.Errorf("parse transaction: %w", err)
	}
	if err := c.checkPrograms(tx); err != nil {
		return "", err
	}
	if err := partialSign(tx, c.key); err != nil {
		return "", err
	}
	out, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *Custodian) checkPrograms(tx *solana.Transaction) error {
	if len(tx.Message.Instructions) == 0 {
		return fmt.Errorf("%w: transaction has no instructions", ErrForeignProgram)
	}
	keys := tx.Message.AccountKeys
	for i, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			return fmt.Errorf("%w: instruction %d program index out of range", ErrForeignProgram, i)
		}
		program := keys[ix.ProgramIDIndex]
		if !c.allows(program) {
			return fmt.Errorf("%w: instruction %d calls %s", ErrForeignProgram, i, program)
		}
	}
	return nil
}

func (c *Custodian) allows(program solana.PublicKey) bool {
	for _, p := range c.allowed {
		if p.Equals(program) {
			return true
		}
	}
	return false
}

// Sign lets a process that holds the key use it directly as a Signer. It
// skips the program check: the caller built the transaction itself.
func (c *Custodian) Sign(_ context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if err := partialSign(tx, c.key); err != nil {
		return nil, err
	}
	return tx, nil
}

func (c *Custodian) SignAll(ctx context.Context, txs []*solana.Transaction) ([]*solana.Transaction, error) {
	return signEach(ctx, c, txs)
}
