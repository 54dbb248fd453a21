package settlement

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/zerorouter/zerorouter/backend/internal/model/settlement"
	"github.com/zerorouter/zerorouter/backend/internal/service/ledger"
)

// UsageStrategy selects how BuildRecordUsage expresses N units.
type UsageStrategy string

const (
	// UsageBatched issues one record_usage(N).
	UsageBatched UsageStrategy = "batched"
	// UsagePerUnit issues N record_usage(1) instructions for one transaction.
	UsagePerUnit UsageStrategy = "per-unit"
)

// ParseUsageStrategy accepts "batched" and "per-unit" (case-insensitive).
func ParseUsageStrategy(raw string) (UsageStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(UsageBatched):
		return UsageBatched, nil
	case string(UsagePerUnit), "per_unit", "perunit":
		return UsagePerUnit, nil
	default:
		return "", fmt.Errorf("unknown usage strategy %q", raw)
	}
}

// Op is one unsigned protocol action bound to the venue it must run on.
type Op struct {
	Kind        settlement.Instruction
	Venue       ledger.Venue
	Instruction solana.Instruction
	// Units is the usage count carried by record_usage ops, zero otherwise.
	Units uint64
}

func (o Op) String() string {
	if o.Kind == settlement.InstructionRecordUsage {
		return fmt.Sprintf("%s(%d)@%s", o.Kind, o.Units, o.Venue)
	}
	return fmt.Sprintf("%s@%s", o.Kind, o.Venue)
}
