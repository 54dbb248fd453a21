package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrRemoteSignerUnavailable covers an unreachable signing endpoint and
	// malformed responses from it.
	ErrRemoteSignerUnavailable = errors.New("remote signer unavailable")
	// ErrSignerNotConfigured is returned when no server-held key is set.
	ErrSignerNotConfigured = errors.New("server signer key missing")
	// ErrApprovalDenied is returned when the key holder refuses to sign.
	ErrApprovalDenied = errors.New("signature request denied")
	// ErrForeignProgram is returned when a transaction sent for custodial
	// signing invokes a program the custodian does not sign for.
	ErrForeignProgram = errors.New("transaction calls a program outside the allowlist")
)

// Signer signs transactions on behalf of one address. Implementations may
// block on user approval or a network call; ctx cancels the wait.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
	SignAll(ctx context.Context, txs []*solana.Transaction) ([]*solana.Transaction, error)
}

// signEach implements SignAll in terms of Sign.
func signEach(ctx context.Context, s Signer, txs []*solana.Transaction) ([]*solana.Transaction, error) {
	out := make([]*solana.Transaction, 0, len(txs))
	for i, tx := range txs {
		signed, err := s.Sign(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("sign transaction %d: %w", i, err)
		}
		out = append(out, signed)
	}
	return out, nil
}

// ParsePrivateKey accepts a base58 secret or a JSON byte array as written
// by solana-keygen.
func ParsePrivateKey(secret string) (solana.PrivateKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSignerNotConfigured
	}

	if strings.HasPrefix(secret, "[") {
		var values []int
		if err := json.Unmarshal([]byte(secret), &values); err != nil {
			return nil, fmt.Errorf("parse key array: %w", err)
		}
		key := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("parse key array: byte %d out of range", i)
			}
			key[i] = byte(v)
		}
		return validKey(solana.PrivateKey(key))
	}

	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, fmt.Errorf("parse base58 key: %w", err)
	}
	return validKey(key)
}

func validKey(key solana.PrivateKey) (solana.PrivateKey, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("private key must be 64 bytes, got %d", len(key))
	}
	return key, nil
}

// ensureSignatureSlots sizes tx.Signatures to the number of required
// signers so the transaction can be serialized before it is fully signed.
func ensureSignatureSlots(tx *solana.Transaction) {
	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) == required {
		return
	}
	slots := make([]solana.Signature, required)
	copy(slots, tx.Signatures)
	tx.Signatures = slots
}

// partialSign adds key's signature to tx, leaving other slots untouched.
func partialSign(tx *solana.Transaction, key solana.PrivateKey) error {
	signer := key.PublicKey()
	required := int(tx.Message.Header.NumRequiredSignatures)

	index := -1
	for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(signer) {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("%s is not a required signer", signer)
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	sig, err := key.Sign(message)
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}

	ensureSignatureSlots(tx)
	tx.Signatures[index] = sig
	return nil
}

// signatureFor returns the signature slot belonging to key.
func signatureFor(tx *solana.Transaction, key solana.PublicKey) (solana.Signature, bool) {
	for i := 0; i < len(tx.Signatures) && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(key) {
			return tx.Signatures[i], tx.Signatures[i] != (solana.Signature{})
		}
	}
	return solana.Signature{}, false
}
