package settlement

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// PDA seed tags used by the settlement and delegation programs.
const (
	SessionSeed            = "session_v1"
	VaultSeed              = "vault"
	BufferSeed             = "buffer"
	DelegationRecordSeed   = "delegation"
	DelegationMetadataSeed = "delegation-metadata"
)

// Instruction enumerates the settlement program's protocol actions.
type Instruction uint8

const (
	InstructionInitialize Instruction = iota + 1
	InstructionDelegate
	InstructionRecordUsage
	InstructionClose
)

var instructionDiscriminators = map[Instruction][8]byte{
	InstructionInitialize:  {69, 130, 92, 236, 107, 231, 159, 129},
	InstructionRecordUsage: {185, 5, 42, 72, 185, 187, 202, 147},
	InstructionClose:       {68, 114, 178, 140, 222, 38, 248, 211},
	InstructionDelegate:    {90, 147, 75, 178, 85, 88, 4, 137},
}

func (i Instruction) String() string {
	switch i {
	case InstructionInitialize:
		return "initialize_session"
	case InstructionDelegate:
		return "delegate"
	case InstructionRecordUsage:
		return "record_usage"
	case InstructionClose:
		return "close_session"
	default:
		return fmt.Sprintf("instruction(%d)", uint8(i))
	}
}

// Discriminator returns the 8-byte prefix identifying the instruction.
func (i Instruction) Discriminator() [8]byte {
	return instructionDiscriminators[i]
}

// ParseInstruction identifies an instruction from its encoded data.
func ParseInstruction(data []byte) (Instruction, bool) {
	if len(data) < 8 {
		return 0, false
	}
	for ix, disc := range instructionDiscriminators {
		if bytes.Equal(data[:8], disc[:]) {
			return ix, true
		}
	}
	return 0, false
}

// InitializeArgs are the initialize_session arguments, rate first.
type InitializeArgs struct {
	Rate   uint64
	Amount uint64
}

// RecordUsageArgs carries the number of units to accrue.
type RecordUsageArgs struct {
	TokenCount uint64
}

// EncodeInstruction prefixes the borsh-encoded args with the discriminator.
// args may be nil for instructions without arguments.
func EncodeInstruction(ix Instruction, args any) ([]byte, error) {
	disc := ix.Discriminator()
	data := append([]byte(nil), disc[:]...)
	if args == nil {
		return data, nil
	}
	encoded, err := bin.MarshalBorsh(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", ix, err)
	}
	return append(data, encoded...), nil
}

// DecodeArgs decodes the borsh args following the discriminator into out.
func DecodeArgs(data []byte, out any) error {
	if len(data) < 8 {
		return fmt.Errorf("instruction data too short: %d bytes", len(data))
	}
	return bin.UnmarshalBorsh(out, data[8:])
}

// Program error codes surfaced in ledger rejections.
const (
	ErrorCodeSessionInactive   = 6000
	ErrorCodeInsufficientFunds = 6001
)
