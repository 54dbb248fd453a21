package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"

	"github.com/zerorouter/zerorouter/backend/internal/clock"
	"github.com/zerorouter/zerorouter/backend/internal/config"
	"github.com/zerorouter/zerorouter/backend/internal/handler"
	"github.com/zerorouter/zerorouter/backend/internal/service/ai"
	"github.com/zerorouter/zerorouter/backend/internal/service/balance"
	"github.com/zerorouter/zerorouter/backend/internal/service/chat"
	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
	"github.com/zerorouter/zerorouter/backend/internal/service/journal"
	"github.com/zerorouter/zerorouter/backend/internal/service/ledger"
	"github.com/zerorouter/zerorouter/backend/internal/service/session"
	"github.com/zerorouter/zerorouter/backend/internal/service/settlement"
	"github.com/zerorouter/zerorouter/backend/internal/service/signer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	clk := clock.Real()
	programs := ledger.Programs{
		Settlement: cfg.Ledger.ProgramID,
		Delegation: cfg.Ledger.DelegationProgramID,
		Mint:       cfg.Ledger.Mint,
	}

	// 服务端托管私钥；缺失时签名端点以 503 拒绝
	custodian, err := signer.NewCustodian(cfg.Signer.Secret, programs.Settlement)
	if err != nil {
		if !errors.Is(err, signer.ErrSignerNotConfigured) {
			log.Fatalf("invalid DEMO_WALLET_SECRET: %v", err)
		}
		custodian = nil
	}

	durable, rollup, custodian := setupLedger(cfg.Ledger, programs, custodian, clk)

	payer := cfg.Ledger.DemoWallet
	if custodian != nil {
		if payer != custodian.PublicKey() && os.Getenv("DEMO_WALLET") != "" {
			log.Printf("warning: DEMO_WALLET %s does not match the custodial key, using %s", payer, custodian.PublicKey())
		}
		payer = custodian.PublicKey()
		if cfg.Ledger.Mode == config.LedgerModeRPC && cfg.Signer.AuthSecret == "" {
			log.Println("warning: SIGNER_AUTH_SECRET 未配置，/api/sign 仅凭程序白名单保护托管私钥")
		}
	} else {
		log.Println("DEMO_WALLET_SECRET 未配置，签名端点将拒绝请求")
	}

	var remoteOpts []signer.RemoteOption
	if cfg.Signer.AuthSecret != "" {
		remoteOpts = append(remoteOpts, signer.WithAuthSecret(cfg.Signer.AuthSecret))
	}
	remote := signer.NewRemote(cfg.Signer.URL, payer, remoteOpts...)

	deriver := settlement.NewDeriver(programs)
	client := settlement.NewClient(deriver, durable, rollup, remote)
	retry := ledger.DefaultRetryOptions()
	retry.Clock = clk
	client.SetRetryOptions(retry)

	strategy, err := settlement.ParseUsageStrategy(cfg.Session.Strategy)
	if err != nil {
		log.Fatalf("invalid USAGE_STRATEGY: %v", err)
	}
	commitment := ledger.CommitmentConfirmed
	if cfg.Ledger.ConfirmFinalized {
		commitment = ledger.CommitmentFinalized
	}

	tracker := balance.NewTracker(clk)
	entries := journal.New(clk, 0)
	orchestrator := session.New(session.Config{
		Payer:       payer,
		Provider:    cfg.Ledger.ProviderWallet,
		Deposit:     cfg.Session.Deposit,
		Rate:        cfg.Session.Rate,
		IdleTimeout: cfg.Session.IdleTimeout,
		BatchSize:   cfg.Session.BatchSize,
		Strategy:    strategy,
		MaxInflight: int64(cfg.Session.MaxInflight),
		Model:       cfg.Session.Model,
		Commitment:  commitment,
	}, client, completion.NewClient(cfg.Completion.BaseURL, cfg.Completion.APIKey), entries, tracker, clk)

	tokenAccount, err := deriver.TokenAccount(payer)
	if err != nil {
		log.Fatalf("failed to derive payer token account: %v", err)
	}
	poller := balance.NewPoller(durable, payer, tokenAccount, tracker, clk, cfg.Session.PollInterval)
	orchestrator.OnSettled(func(sig solana.Signature) {
		pollCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := poller.PollOnce(pollCtx); err != nil {
			log.Printf("[poller] post-settlement refresh failed: %v", err)
		}
	})
	go poller.Run(ctx)

	// Initialize AI service backing /v1/chat/completions
	aiService, err := ai.NewService(ctx, cfg.AI)
	if err != nil {
		log.Printf("warning: failed to initialize AI service: %v", err)
		log.Println("continuing without the completion gateway - 请检查 Ark / 上游模型相关环境变量")
		aiService = nil
	}

	router := handler.NewRouter(handler.Dependencies{
		Orchestrator:   orchestrator,
		Poller:         poller,
		Chat:           chat.NewService(),
		AI:             aiService,
		Custodian:      custodian,
		SignerAuthKey:  cfg.Signer.AuthSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	log.Printf("metering payer=%s provider=%s ledger=%s strategy=%s", payer, cfg.Ledger.ProviderWallet, cfg.Ledger.Mode, strategy)
	startServer(ctx, cfg.Server, router)
}

// setupLedger returns the durable and rollup gateways. Memory mode runs a
// simulated network and, without a configured key, mints a throwaway one
// so the demo works offline.
func setupLedger(cfg config.LedgerConfig, programs ledger.Programs, custodian *signer.Custodian, clk clock.Clock) (ledger.Gateway, ledger.Gateway, *signer.Custodian) {
	if cfg.Mode != config.LedgerModeMemory {
		log.Printf("ledger rpc=%s rollup=%s", cfg.RPCURL, cfg.EphemeralURL)
		return ledger.NewRPCGateway("l1", cfg.RPCURL, clk), ledger.NewRPCGateway("rollup", cfg.EphemeralURL, clk), custodian
	}

	if custodian == nil {
		key, err := solana.NewRandomPrivateKey()
		if err != nil {
			log.Fatalf("failed to generate demo key: %v", err)
		}
		custodian, err = signer.NewCustodian(key.String(), programs.Settlement)
		if err != nil {
			log.Fatalf("failed to load demo key: %v", err)
		}
		log.Printf("memory ledger: generated demo wallet %s", custodian.PublicKey())
	}

	network := ledger.NewNetwork(programs)
	if err := network.Fund(custodian.PublicKey(), cfg.MemoryFundAmount, 1_000_000_000); err != nil {
		log.Fatalf("failed to fund demo wallet: %v", err)
	}
	log.Printf("memory ledger: funded %s with %d base units", custodian.PublicKey(), cfg.MemoryFundAmount)
	return network.Durable(), network.Rollup(), custodian
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("ZeroRouter backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
