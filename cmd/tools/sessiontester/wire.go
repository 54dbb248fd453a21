package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/zerorouter/zerorouter/backend/internal/clock"
	"github.com/zerorouter/zerorouter/backend/internal/config"
	"github.com/zerorouter/zerorouter/backend/internal/service/balance"
	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
	"github.com/zerorouter/zerorouter/backend/internal/service/journal"
	"github.com/zerorouter/zerorouter/backend/internal/service/ledger"
	"github.com/zerorouter/zerorouter/backend/internal/service/session"
	"github.com/zerorouter/zerorouter/backend/internal/service/settlement"
	"github.com/zerorouter/zerorouter/backend/internal/service/signer"
)

type options struct {
	keypair    string
	memory     bool
	yes        bool
	strategy   string
	gatewayURL string
}

type app struct {
	cfg          *config.Config
	key          solana.PrivateKey
	client       *settlement.Client
	orchestrator *session.Orchestrator
	poller       *balance.Poller
	tracker      *balance.Tracker
	journal      *journal.Journal
	styles       styles
}

// wireApp builds the same service graph as the API server, but signs
// locally after asking on the terminal.
func wireApp(opts options, cfg *config.Config, in io.Reader, out io.Writer, gw completion.Gateway) (*app, error) {
	key, err := loadKey(opts, cfg)
	if err != nil {
		return nil, err
	}

	programs := ledger.Programs{
		Settlement: cfg.Ledger.ProgramID,
		Delegation: cfg.Ledger.DelegationProgramID,
		Mint:       cfg.Ledger.Mint,
	}
	clk := clock.Real()

	var durable, rollup ledger.Gateway
	if opts.memory {
		network := ledger.NewNetwork(programs)
		if err := network.Fund(key.PublicKey(), cfg.Ledger.MemoryFundAmount, 1_000_000_000); err != nil {
			return nil, fmt.Errorf("fund memory wallet: %w", err)
		}
		durable, rollup = network.Durable(), network.Rollup()
	} else {
		durable = ledger.NewRPCGateway("l1", cfg.Ledger.RPCURL, clk)
		rollup = ledger.NewRPCGateway("rollup", cfg.Ledger.EphemeralURL, clk)
	}

	var approver signer.Approver = signer.AutoApprove
	if !opts.yes {
		approver = terminalApprover(in, out)
	}

	deriver := settlement.NewDeriver(programs)
	client := settlement.NewClient(deriver, durable, rollup, signer.NewInteractive(key, approver))
	retry := ledger.DefaultRetryOptions()
	retry.Clock = clk
	client.SetRetryOptions(retry)

	raw := opts.strategy
	if raw == "" {
		raw = cfg.Session.Strategy
	}
	strategy, err := settlement.ParseUsageStrategy(raw)
	if err != nil {
		return nil, err
	}

	commitment := ledger.CommitmentConfirmed
	if cfg.Ledger.ConfirmFinalized {
		commitment = ledger.CommitmentFinalized
	}

	if gw == nil {
		base := opts.gatewayURL
		if base == "" {
			base = cfg.Completion.BaseURL
		}
		gw = completion.NewClient(base, cfg.Completion.APIKey)
	}

	tracker := balance.NewTracker(clk)
	entries := journal.New(clk, 0)
	orch := session.New(session.Config{
		Payer:       key.PublicKey(),
		Provider:    cfg.Ledger.ProviderWallet,
		Deposit:     cfg.Session.Deposit,
		Rate:        cfg.Session.Rate,
		IdleTimeout: cfg.Session.IdleTimeout,
		BatchSize:   cfg.Session.BatchSize,
		Strategy:    strategy,
		MaxInflight: int64(cfg.Session.MaxInflight),
		Model:       cfg.Session.Model,
		Commitment:  commitment,
	}, client, gw, entries, tracker, clk)

	tokenAccount, err := deriver.TokenAccount(key.PublicKey())
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:          cfg,
		key:          key,
		client:       client,
		orchestrator: orch,
		poller:       balance.NewPoller(durable, key.PublicKey(), tokenAccount, tracker, clk, cfg.Session.PollInterval),
		tracker:      tracker,
		journal:      entries,
		styles:       newStyles(),
	}, nil
}

func loadKey(opts options, cfg *config.Config) (solana.PrivateKey, error) {
	if opts.keypair != "" {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(opts.keypair)
		if err != nil {
			return nil, fmt.Errorf("read keypair %s: %w", opts.keypair, err)
		}
		return key, nil
	}

	key, err := signer.ParsePrivateKey(cfg.Signer.Secret)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, signer.ErrSignerNotConfigured) {
		return nil, err
	}
	if opts.memory {
		return solana.NewRandomPrivateKey()
	}
	if path := defaultKeypairPath(); path != "" {
		return solana.PrivateKeyFromSolanaKeygenFile(path)
	}
	return nil, fmt.Errorf("no signing key: pass --keypair or set DEMO_WALLET_SECRET")
}

func defaultKeypairPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".config", "solana", "id.json")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
