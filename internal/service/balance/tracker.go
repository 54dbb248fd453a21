package balance

import (
	"sync"
	"time"

	"github.com/zerorouter/zerorouter/backend/internal/clock"
)

// Snapshot is the displayed balance state.
type Snapshot struct {
	// Balance is the payer's stable-token balance: ledger truth after a
	// poll, minus optimistic spend recorded since.
	Balance uint64 `json:"balance"`
	// Lamports is the payer's native balance from the last poll.
	Lamports uint64 `json:"lamports"`
	// Spent is the running client-side spend for the current session.
	Spent uint64 `json:"spent"`
	// Known is false until the first successful poll.
	Known        bool      `json:"known"`
	ReconciledAt time.Time `json:"reconciledAt,omitempty"`
}

// Tracker holds optimistic local estimates that every successful poll
// overwrites with ledger truth.
type Tracker struct {
	mu    sync.Mutex
	clock clock.Clock
	snap  Snapshot
}

func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{clock: clk}
}

// Spend records amount as spent and lowers the displayed balance,
// saturating at zero.
func (t *Tracker) Spend(amount uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Spent += amount
	if amount > t.snap.Balance {
		t.snap.Balance = 0
	} else {
		t.snap.Balance -= amount
	}
}

// Reconcile replaces the displayed balances with ledger values.
func (t *Tracker) Reconcile(tokens, lamports uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Balance = tokens
	t.snap.Lamports = lamports
	t.snap.Known = true
	t.snap.ReconciledAt = t.clock.Now().UTC()
}

// ResetSpent zeroes the session spend counter.
func (t *Tracker) ResetSpent() {
	t.mu.Lock()
	t.snap.Spent = 0
	t.mu.Unlock()
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}
