package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/semaphore"

	"github.com/zerorouter/zerorouter/backend/internal/clock"
	model "github.com/zerorouter/zerorouter/backend/internal/model/settlement"
	"github.com/zerorouter/zerorouter/backend/internal/service/balance"
	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
	"github.com/zerorouter/zerorouter/backend/internal/service/journal"
	"github.com/zerorouter/zerorouter/backend/internal/service/ledger"
	"github.com/zerorouter/zerorouter/backend/internal/service/settlement"
)

var (
	// ErrBusy is returned when a request arrives while setup, a stream or
	// a close is already in progress.
	ErrBusy = errors.New("session busy")
	// ErrInvalidTransition is returned for a transition the current state
	// does not allow.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrStaleSession marks results of work issued before a reset.
	ErrStaleSession = errors.New("session was reset")
)

const (
	latencyHistory = 20
	tickTimeout    = 30 * time.Second
)

// Config is the metering policy for one orchestrator.
type Config struct {
	Payer       solana.PublicKey
	Provider    solana.PublicKey
	Deposit     uint64
	Rate        uint64
	IdleTimeout time.Duration
	BatchSize   int
	Strategy    settlement.UsageStrategy
	MaxInflight int64
	Model       string
	Commitment  ledger.Commitment
}

// DefaultConfig returns the demo policy: 1 USDC deposit at 100 base units
// per token, settled after 15s idle.
func DefaultConfig() Config {
	return Config{
		Deposit:     1_000_000,
		Rate:        100,
		IdleTimeout: 15 * time.Second,
		BatchSize:   10,
		Strategy:    settlement.UsageBatched,
		MaxInflight: 8,
		Commitment:  ledger.CommitmentConfirmed,
	}
}

// Result summarises one metered interaction.
type Result struct {
	Text        string `json:"text"`
	Units       uint64 `json:"units"`
	Cost        uint64 `json:"cost"`
	UsageOps    int    `json:"usageOps"`
	Interrupted bool   `json:"interrupted"`
}

// Snapshot is the observable orchestrator state.
type Snapshot struct {
	State          model.State      `json:"state"`
	Session        string           `json:"session,omitempty"`
	Rate           uint64           `json:"rate"`
	Balance        balance.Snapshot `json:"balance"`
	LastLatencyMs  int64            `json:"lastLatencyMs"`
	LatencyHistory []int64          `json:"latencyHistory"`
	UsageOps       int              `json:"usageOps"`
}

// Orchestrator drives one session through setup, metered streaming and
// idle settlement.
type Orchestrator struct {
	cfg        Config
	client     *settlement.Client
	completion completion.Gateway
	journal    *journal.Journal
	tracker    *balance.Tracker
	clock      clock.Clock

	mu        sync.Mutex
	machine   machine
	idle      clock.Timer
	latencies []time.Duration
	usageOps  int

	// closing is held by the close in flight for the current epoch.
	// Reset drops it so a stale close cannot block the next session.
	closing   bool
	sem       *semaphore.Weighted
	ticks     sync.WaitGroup
	onSettled func(solana.Signature)
}

// New wires an orchestrator. journal and tracker may be shared with HTTP
// handlers for display.
func New(cfg Config, client *settlement.Client, gw completion.Gateway, j *journal.Journal, tracker *balance.Tracker, clk clock.Clock) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = defaults.MaxInflight
	}
	if cfg.Strategy == "" {
		cfg.Strategy = defaults.Strategy
	}
	if cfg.Commitment == "" {
		cfg.Commitment = defaults.Commitment
	}
	if clk == nil {
		clk = clock.Real()
	}
	if j == nil {
		j = journal.New(clk, 0)
	}
	if tracker == nil {
		tracker = balance.NewTracker(clk)
	}
	return &Orchestrator{
		cfg:        cfg,
		client:     client,
		completion: gw,
		journal:    j,
		tracker:    tracker,
		clock:      clk,
		sem:        semaphore.NewWeighted(cfg.MaxInflight),
	}
}

// OnSettled registers a hook run after a close is confirmed.
func (o *Orchestrator) OnSettled(fn func(solana.Signature)) {
	o.onSettled = fn
}

// Config returns the active policy.
func (o *Orchestrator) Config() Config { return o.cfg }

// Journal returns the protocol log.
func (o *Orchestrator) Journal() *journal.Journal { return o.journal }

// State returns the current lifecycle state.
func (o *Orchestrator) State() model.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.state
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	snap := Snapshot{
		State:          o.machine.state,
		Rate:           o.cfg.Rate,
		UsageOps:       o.usageOps,
		LatencyHistory: make([]int64, 0, len(o.latencies)),
	}
	for _, l := range o.latencies {
		snap.LatencyHistory = append(snap.LatencyHistory, l.Milliseconds())
	}
	o.mu.Unlock()

	if n := len(snap.LatencyHistory); n > 0 {
		snap.LastLatencyMs = snap.LatencyHistory[n-1]
	}
	if addr, ok := o.client.SessionAddress(); ok {
		snap.Session = addr.String()
	}
	snap.Balance = o.tracker.Snapshot()
	return snap
}

// Submit runs one interaction: it sets the session up when IDLE, streams
// the completion while metering every fragment against the rollup venue,
// and re-arms the idle timer. onDelta receives each fragment as it
// arrives. A stream that ends abnormally returns the partial Result with
// an error wrapping completion.ErrStreamInterrupted.
func (o *Orchestrator) Submit(ctx context.Context, messages []completion.Message, onDelta func(string)) (Result, error) {
	epoch, err := o.prepare(ctx)
	if err != nil {
		return Result{}, err
	}

	o.mu.Lock()
	if o.machine.epoch != epoch {
		o.mu.Unlock()
		return Result{}, ErrStaleSession
	}
	if err := o.machine.beginStream(); err != nil {
		o.mu.Unlock()
		if errors.Is(err, ErrInvalidTransition) {
			return Result{}, fmt.Errorf("%w: %s", ErrBusy, o.State())
		}
		return Result{}, err
	}
	o.stopIdleLocked()
	o.mu.Unlock()

	res, streamErr := o.stream(ctx, epoch, messages, onDelta)

	o.mu.Lock()
	if o.machine.epoch == epoch {
		if err := o.machine.endStream(); err != nil {
			log.Printf("[session] end stream: %v", err)
		}
		o.armIdleLocked(epoch)
	}
	o.mu.Unlock()
	o.journal.EndBatch()

	return res, streamErr
}

// prepare moves IDLE to ACTIVE through setup, or accepts ACTIVE as is.
func (o *Orchestrator) prepare(ctx context.Context) (uint64, error) {
	o.mu.Lock()
	switch o.machine.state {
	case model.StateActive:
		// new input cancels the pending idle close
		o.stopIdleLocked()
		epoch := o.machine.epoch
		o.mu.Unlock()
		return epoch, nil
	case model.StateIdle:
		if err := o.machine.beginSetup(); err != nil {
			o.mu.Unlock()
			return 0, err
		}
	default:
		state := o.machine.state
		o.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrBusy, state)
	}
	epoch := o.machine.epoch
	o.mu.Unlock()

	setupErr := o.setup(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.machine.epoch != epoch {
		return 0, ErrStaleSession
	}
	if setupErr != nil {
		if err := o.machine.abortSetup(); err != nil {
			log.Printf("[session] abort setup: %v", err)
		}
		o.client.Reset()
		return 0, setupErr
	}
	if err := o.machine.completeSetup(); err != nil {
		return 0, err
	}
	return epoch, nil
}

// setup creates and delegates the session when either is missing, in one
// transaction, then re-reads the delegation record.
func (o *Orchestrator) setup(ctx context.Context) error {
	payer, provider := o.cfg.Payer, o.cfg.Provider
	address, err := o.client.Resolve(payer, provider)
	if err != nil {
		return err
	}
	o.journal.Info("[L1] checking session %s", address)

	exists, err := o.client.SessionExists(ctx, payer, provider)
	if err != nil {
		o.setupFailed(err)
		return fmt.Errorf("check session: %w", err)
	}
	delegated := false
	if exists {
		if delegated, err = o.client.IsDelegated(ctx, address); err != nil {
			o.setupFailed(err)
			return fmt.Errorf("check delegation: %w", err)
		}
	}

	var ops []settlement.Op
	if !exists {
		op, err := o.client.BuildInitialize(payer, provider, o.cfg.Deposit, o.cfg.Rate)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	if !delegated {
		op, err := o.client.BuildDelegate(payer, provider)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	if len(ops) == 0 {
		o.journal.Info("[ER] session already delegated, reusing")
		log.Printf("[session] reusing delegated session %s", address)
		return nil
	}

	o.journal.Info("[L1] submitting %s", describeOps(ops))
	sig, err := o.client.Submit(ctx, ops...)
	if err != nil {
		o.setupFailed(err)
		return fmt.Errorf("submit setup: %w", err)
	}
	if err := o.client.Confirm(ctx, ledger.VenueDurable, sig, o.cfg.Commitment); err != nil {
		o.setupFailed(err)
		return fmt.Errorf("confirm setup: %w", err)
	}
	o.journal.Tx(describeOps(ops), sig.String())

	delegated, err = o.client.IsDelegated(ctx, address)
	if err != nil {
		o.setupFailed(err)
		return fmt.Errorf("verify delegation: %w", err)
	}
	if !delegated {
		err := fmt.Errorf("%w: delegation record missing after confirmation", ledger.ErrLedgerRejected)
		o.setupFailed(err)
		return err
	}

	log.Printf("[session] session %s ready (initialized=%t)", address, !exists)
	return nil
}

func (o *Orchestrator) setupFailed(err error) {
	log.Printf("[session] setup failed: %v", err)
	o.journal.Info("setup failed: %v", err)
}

func (o *Orchestrator) stream(ctx context.Context, epoch uint64, messages []completion.Message, onDelta func(string)) (Result, error) {
	var res Result
	reader, err := o.completion.Stream(ctx, completion.Request{Model: o.cfg.Model, Messages: messages})
	if err != nil {
		return res, err
	}
	defer reader.Close()

	pending := uint64(0)
	flush := func() {
		if pending == 0 {
			return
		}
		res.UsageOps += o.meter(ctx, epoch, pending)
		pending = 0
	}

	var streamErr error
	for {
		frag, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !errors.Is(err, completion.ErrStreamInterrupted) {
				err = fmt.Errorf("%w: %v", completion.ErrStreamInterrupted, err)
			}
			streamErr = err
			res.Interrupted = true
			break
		}
		if frag.Delta == "" {
			continue
		}

		res.Text += frag.Delta
		res.Units++
		if onDelta != nil {
			onDelta(frag.Delta)
		}
		if !o.current(epoch) {
			continue
		}
		res.Cost += o.cfg.Rate
		o.tracker.Spend(o.cfg.Rate)
		pending++
		if pending >= uint64(o.cfg.BatchSize) {
			flush()
		}
	}
	if o.current(epoch) {
		flush()
	}

	if streamErr != nil {
		o.journal.Info("stream interrupted after %d tokens", res.Units)
	}
	return res, streamErr
}

// meter issues a fire-and-forget usage tick for units and returns the
// number of operations it carries.
func (o *Orchestrator) meter(ctx context.Context, epoch uint64, units uint64) int {
	ops, err := o.client.BuildRecordUsage(units, o.cfg.Strategy)
	if err != nil {
		log.Printf("[session] build usage tick: %v", err)
		return 0
	}

	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tickTimeout)
	if err := o.sem.Acquire(tickCtx, 1); err != nil {
		cancel()
		log.Printf("[session] usage tick dropped: %v", err)
		return 0
	}

	o.mu.Lock()
	o.usageOps += len(ops)
	o.mu.Unlock()

	o.ticks.Add(1)
	go func() {
		defer o.ticks.Done()
		defer o.sem.Release(1)
		defer cancel()

		start := o.clock.Now()
		sig, err := o.client.Submit(tickCtx, ops...)
		elapsed := o.clock.Now().Sub(start)
		if err != nil {
			log.Printf("[session] usage tick of %d failed: %v", units, err)
			if o.current(epoch) {
				o.journal.Info("usage tick of %d failed: %v", units, err)
			}
			return
		}
		if !o.current(epoch) {
			return
		}
		o.recordLatency(elapsed)
		o.journal.Settlement(fmt.Sprintf("record_usage(%d)", units), sig.String())
	}()
	return len(ops)
}

// WaitTicks blocks until every in-flight usage tick has finished.
func (o *Orchestrator) WaitTicks() {
	o.ticks.Wait()
}

// Close settles the session now. It shares the idle timeout's guard, so
// concurrent triggers produce at most one close.
func (o *Orchestrator) Close(ctx context.Context) (solana.Signature, error) {
	o.mu.Lock()
	epoch := o.machine.epoch
	o.mu.Unlock()
	return o.settle(ctx, epoch)
}

func (o *Orchestrator) onIdle(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := o.settle(ctx, epoch); err != nil && !errors.Is(err, ErrBusy) {
		log.Printf("[session] idle close: %v", err)
	}
}

func (o *Orchestrator) settle(ctx context.Context, epoch uint64) (solana.Signature, error) {
	o.mu.Lock()
	if o.machine.epoch != epoch {
		o.mu.Unlock()
		return solana.Signature{}, ErrStaleSession
	}
	if o.closing {
		o.mu.Unlock()
		return solana.Signature{}, fmt.Errorf("%w: close already in progress", ErrBusy)
	}
	if err := o.machine.beginClose(); err != nil {
		o.mu.Unlock()
		return solana.Signature{}, err
	}
	o.closing = true
	o.stopIdleLocked()
	o.mu.Unlock()

	o.ticks.Wait()
	o.journal.Info("[L1] settling session")

	sig, err := o.submitClose(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.machine.epoch != epoch {
		// reset while closing; whatever landed is not ours to track
		return sig, ErrStaleSession
	}
	o.closing = false
	if err != nil {
		if abortErr := o.machine.abortClose(); abortErr != nil {
			log.Printf("[session] abort close: %v", abortErr)
		}
		o.armIdleLocked(epoch)
		log.Printf("[session] close failed, session stays active: %v", err)
		o.journal.Info("close failed: %v", err)
		return solana.Signature{}, err
	}

	if err := o.machine.completeClose(); err != nil {
		log.Printf("[session] complete close: %v", err)
	}
	o.client.Reset()
	o.tracker.ResetSpent()
	o.journal.Tx("close_session: provider paid, remainder refunded", sig.String())
	log.Printf("[session] settled: %s", sig)
	if o.onSettled != nil {
		go o.onSettled(sig)
	}
	return sig, nil
}

func (o *Orchestrator) submitClose(ctx context.Context) (solana.Signature, error) {
	op, err := o.client.BuildClose(o.cfg.Payer, o.cfg.Provider)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := o.client.Submit(ctx, op)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := o.client.Confirm(ctx, ledger.VenueDurable, sig, o.cfg.Commitment); err != nil {
		return sig, err
	}
	return sig, nil
}

// Reset returns to IDLE from any state and forgets the session address.
// In-flight work finishes but its results are discarded.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.machine.reset()
	o.closing = false
	o.stopIdleLocked()
	o.latencies = nil
	o.usageOps = 0
	o.mu.Unlock()

	o.client.Reset()
	o.tracker.ResetSpent()
	o.journal.EndBatch()
	o.journal.Info("session reset")
	log.Printf("[session] reset")
}

func (o *Orchestrator) current(epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.epoch == epoch
}

func (o *Orchestrator) recordLatency(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.latencies = append(o.latencies, d)
	if over := len(o.latencies) - latencyHistory; over > 0 {
		o.latencies = o.latencies[over:]
	}
}

func (o *Orchestrator) armIdleLocked(epoch uint64) {
	o.stopIdleLocked()
	o.idle = o.clock.AfterFunc(o.cfg.IdleTimeout, func() { o.onIdle(epoch) })
}

func (o *Orchestrator) stopIdleLocked() {
	if o.idle != nil {
		o.idle.Stop()
		o.idle = nil
	}
}

func describeOps(ops []settlement.Op) string {
	out := ""
	for i, op := range ops {
		if i > 0 {
			out += " + "
		}
		out += op.Kind.String()
	}
	return out
}
