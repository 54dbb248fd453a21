package settlement

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// SessionAccountDiscriminator prefixes every encoded SessionAccount.
var SessionAccountDiscriminator = [8]byte{74, 34, 65, 133, 96, 163, 80, 69}

var errNotSessionAccount = errors.New("account data is not a session account")

// SessionAccount mirrors the on-ledger session state. AccumulatedAmount
// never exceeds TotalDeposited; the program enforces it, not the client.
type SessionAccount struct {
	Payer             solana.PublicKey `json:"payer"`
	Provider          solana.PublicKey `json:"provider"`
	RatePerToken      uint64           `json:"ratePerToken"`
	AccumulatedAmount uint64           `json:"accumulatedAmount"`
	TotalDeposited    uint64           `json:"totalDeposited"`
	Bump              uint8            `json:"bump"`
	IsActive          bool             `json:"isActive"`
}

// Remaining is the part of the deposit that close refunds to the payer.
func (a SessionAccount) Remaining() uint64 {
	if a.AccumulatedAmount >= a.TotalDeposited {
		return 0
	}
	return a.TotalDeposited - a.AccumulatedAmount
}

// Encode renders the account the way the program stores it.
func (a SessionAccount) Encode() ([]byte, error) {
	body, err := bin.MarshalBorsh(a)
	if err != nil {
		return nil, fmt.Errorf("encode session account: %w", err)
	}
	return append(append([]byte(nil), SessionAccountDiscriminator[:]...), body...), nil
}

// DecodeSessionAccount parses raw account data.
func DecodeSessionAccount(data []byte) (SessionAccount, error) {
	var account SessionAccount
	if len(data) < 8 || !bytes.Equal(data[:8], SessionAccountDiscriminator[:]) {
		return account, errNotSessionAccount
	}
	if err := bin.UnmarshalBorsh(&account, data[8:]); err != nil {
		return account, fmt.Errorf("decode session account: %w", err)
	}
	return account, nil
}

// DelegationRecord reports whether a session's state has been handed to
// the rollup venue.
type DelegationRecord struct {
	Session solana.PublicKey `json:"session"`
	Address solana.PublicKey `json:"address"`
	Exists  bool             `json:"exists"`
}
