package settlement

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/zerorouter/zerorouter/backend/internal/model/settlement"
	"github.com/zerorouter/zerorouter/backend/internal/service/ledger"
)

// ErrInvalidSeed is returned for empty or oversized derivation components.
var ErrInvalidSeed = errors.New("invalid derivation seed")

const (
	maxSeedLen = 32
	maxSeeds   = 16
)

// DeriveAddress computes the program-derived address for a seed tag plus
// ordered components under programID. It is pure: identical inputs always
// yield the identical address on every client.
func DeriveAddress(programID solana.PublicKey, tag string, components ...[]byte) (solana.PublicKey, uint8, error) {
	if tag == "" || len(tag) > maxSeedLen {
		return solana.PublicKey{}, 0, fmt.Errorf("%w: tag %q", ErrInvalidSeed, tag)
	}
	if len(components)+1 > maxSeeds {
		return solana.PublicKey{}, 0, fmt.Errorf("%w: %d components", ErrInvalidSeed, len(components))
	}

	seeds := make([][]byte, 0, len(components)+1)
	seeds = append(seeds, []byte(tag))
	for i, c := range components {
		if len(c) == 0 || len(c) > maxSeedLen {
			return solana.PublicKey{}, 0, fmt.Errorf("%w: component %d has %d bytes", ErrInvalidSeed, i, len(c))
		}
		seeds = append(seeds, c)
	}

	addr, bump, err := solana.FindProgramAddress(seeds, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return addr, bump, nil
}

// Deriver binds DeriveAddress to the configured programs.
type Deriver struct {
	programs ledger.Programs
}

// NewDeriver creates a Deriver for the given programs.
func NewDeriver(programs ledger.Programs) Deriver {
	return Deriver{programs: programs}
}

// Programs returns the program set this deriver was built with.
func (d Deriver) Programs() ledger.Programs { return d.programs }

func (d Deriver) SessionAddress(payer, provider solana.PublicKey) (solana.PublicKey, error) {
	if payer.IsZero() || provider.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("%w: zero party address", ErrInvalidSeed)
	}
	addr, _, err := DeriveAddress(d.programs.Settlement, settlement.SessionSeed, payer.Bytes(), provider.Bytes())
	return addr, err
}

func (d Deriver) VaultAddress(session solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := DeriveAddress(d.programs.Settlement, settlement.VaultSeed, session.Bytes())
	return addr, err
}

// DelegationBuffer lives under the settlement program; record and metadata
// live under the delegation program.
func (d Deriver) DelegationBuffer(session solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := DeriveAddress(d.programs.Settlement, settlement.BufferSeed, session.Bytes())
	return addr, err
}

func (d Deriver) DelegationRecord(session solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := DeriveAddress(d.programs.Delegation, settlement.DelegationRecordSeed, session.Bytes())
	return addr, err
}

func (d Deriver) DelegationMetadata(session solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := DeriveAddress(d.programs.Delegation, settlement.DelegationMetadataSeed, session.Bytes())
	return addr, err
}

// TokenAccount is owner's associated token account for the stable mint.
func (d Deriver) TokenAccount(owner solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, d.programs.Mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return addr, nil
}
