package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "AI_PROVIDER", "LEDGER_MODE", "PROGRAM_ID", "SESSION_IDLE_TIMEOUT",
		"USAGE_BATCH_SIZE", "SIGNER_URL", "DEMO_WALLET_SECRET", "Model", "ARK_API_KEY",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Ledger.Mode != LedgerModeRPC {
		t.Fatalf("unexpected ledger mode: %s", cfg.Ledger.Mode)
	}
	if cfg.Ledger.ProgramID.String() != DefaultProgramID {
		t.Fatalf("unexpected program id: %s", cfg.Ledger.ProgramID)
	}
	if cfg.Session.IdleTimeout != 15*time.Second || cfg.Session.BatchSize != 10 || cfg.Session.Rate != 100 {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Signer.URL != "http://127.0.0.1:8080/api/sign" {
		t.Fatalf("unexpected signer url: %s", cfg.Signer.URL)
	}
	if cfg.Signer.Secret != "" {
		t.Fatal("signer secret should default to empty")
	}
	if cfg.AI.Backend() != BackendOpenAI {
		t.Fatalf("expected openai backend without ark credentials, got %s", cfg.AI.Backend())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("LEDGER_MODE", "MEMORY")
	t.Setenv("SESSION_IDLE_TIMEOUT", "30")
	t.Setenv("BALANCE_POLL_INTERVAL", "1m")
	t.Setenv("SESSION_DEPOSIT", "2_000_000")
	t.Setenv("USAGE_BATCH_SIZE", "0")
	t.Setenv("LEDGER_CONFIRM_FINALIZED", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000, https://zerorouter.dev")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.LocalURL() != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected local url: %s", cfg.Server.LocalURL())
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://zerorouter.dev" {
		t.Fatalf("unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Ledger.Mode != LedgerModeMemory || !cfg.Ledger.ConfirmFinalized {
		t.Fatalf("unexpected ledger config: %+v", cfg.Ledger)
	}
	if cfg.Session.IdleTimeout != 30*time.Second {
		t.Fatalf("unexpected idle timeout: %s", cfg.Session.IdleTimeout)
	}
	if cfg.Session.PollInterval != time.Minute {
		t.Fatalf("unexpected poll interval: %s", cfg.Session.PollInterval)
	}
	if cfg.Session.Deposit != 2_000_000 {
		t.Fatalf("unexpected deposit: %d", cfg.Session.Deposit)
	}
	if cfg.Session.BatchSize != 1 {
		t.Fatalf("batch size should clamp to 1, got %d", cfg.Session.BatchSize)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PROGRAM_ID":           "not-a-key",
		"LEDGER_MODE":          "mainnet",
		"SESSION_IDLE_TIMEOUT": "-5s",
		"AI_PROVIDER":          "gemini",
		"SESSION_RATE":         "abc",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}
