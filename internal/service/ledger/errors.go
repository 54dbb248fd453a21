package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrGatewayUnavailable marks transient network or RPC failures.
	// Callers retry; it never means "absent" or "rejected".
	ErrGatewayUnavailable = errors.New("ledger gateway unavailable")
	// ErrLedgerRejected matches every *RejectedError.
	ErrLedgerRejected = errors.New("ledger rejected operation")
	// ErrConfirmTimeout is returned when a signature does not reach the
	// requested commitment before the context ends.
	ErrConfirmTimeout = errors.New("transaction confirmation timed out")
)

// RejectedError carries the raw reason the ledger refused an operation.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected operation: %s", e.Reason)
}

// Is lets errors.Is(err, ErrLedgerRejected) match.
func (e *RejectedError) Is(target error) bool {
	return target == ErrLedgerRejected
}

// Rejected builds a RejectedError from a formatted reason.
func Rejected(format string, args ...any) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrGatewayUnavailable, err)
}
