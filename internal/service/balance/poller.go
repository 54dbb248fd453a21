package balance

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/zerorouter/zerorouter/backend/internal/clock"
	"github.com/zerorouter/zerorouter/backend/internal/service/ledger"
)

const DefaultInterval = 15 * time.Second

// Poller periodically refreshes the payer's balances on the durable
// ledger. Failures are logged and never surfaced.
type Poller struct {
	gateway      ledger.Gateway
	owner        solana.PublicKey
	tokenAccount solana.PublicKey
	tracker      *Tracker
	clock        clock.Clock
	interval     time.Duration
	onUpdate     func(Snapshot)
}

func NewPoller(gw ledger.Gateway, owner, tokenAccount solana.PublicKey, tracker *Tracker, clk clock.Clock, interval time.Duration) *Poller {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		gateway:      gw,
		owner:        owner,
		tokenAccount: tokenAccount,
		tracker:      tracker,
		clock:        clk,
		interval:     interval,
	}
}

// OnUpdate registers a callback run after each successful poll.
func (p *Poller) OnUpdate(fn func(Snapshot)) {
	p.onUpdate = fn
}

// PollOnce reads both balances and reconciles the tracker. The tracker is
// untouched when either read fails.
func (p *Poller) PollOnce(ctx context.Context) error {
	tokens, err := p.gateway.GetTokenBalance(ctx, p.tokenAccount)
	if err != nil {
		return fmt.Errorf("read token balance: %w", err)
	}
	lamports, err := p.gateway.GetBalance(ctx, p.owner)
	if err != nil {
		return fmt.Errorf("read native balance: %w", err)
	}

	p.tracker.Reconcile(tokens, lamports)
	if p.onUpdate != nil {
		p.onUpdate(p.tracker.Snapshot())
	}
	return nil
}

// Run polls immediately and then every interval until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[poller] balance refresh for %s failed: %v", p.owner, err)
	}
}
