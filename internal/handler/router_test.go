package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/gagliardetto/solana-go"

	"github.com/zerorouter/zerorouter/backend/internal/clock"
	"github.com/zerorouter/zerorouter/backend/internal/service/chat"
	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
	"github.com/zerorouter/zerorouter/backend/internal/service/ledger"
	"github.com/zerorouter/zerorouter/backend/internal/service/session"
	"github.com/zerorouter/zerorouter/backend/internal/service/settlement"
	"github.com/zerorouter/zerorouter/backend/internal/service/signer"
)

type oneWordGateway struct{}

func (oneWordGateway) Stream(context.Context, completion.Request) (*schema.StreamReader[completion.Fragment], error) {
	return schema.StreamReaderFromArray([]completion.Fragment{{Delta: "pong"}}), nil
}

func newTestRouter(t *testing.T) (http.Handler, *session.Orchestrator) {
	t.Helper()
	programs := ledger.Programs{
		Settlement: solana.MustPublicKeyFromBase58("8Wnd5SSnzjDrFY1Up1Lqwz4QZJvpQcMT3dimQAjZ561Z"),
		Delegation: solana.MustPublicKeyFromBase58("DELeGGvXpWV2fqJUhqcF5ZSYMS4JTLjteaAMARRSaeSh"),
		Mint:       solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"),
	}
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("key err: %v", err)
	}
	custodian, err := signer.NewCustodian(key.String(), programs.Settlement)
	if err != nil {
		t.Fatalf("NewCustodian err: %v", err)
	}
	network := ledger.NewNetwork(programs)
	if err := network.Fund(key.PublicKey(), 5_000_000, 1_000_000_000); err != nil {
		t.Fatalf("Fund err: %v", err)
	}

	client := settlement.NewClient(settlement.NewDeriver(programs), network.Durable(), network.Rollup(), custodian)
	cfg := session.DefaultConfig()
	cfg.Payer = key.PublicKey()
	cfg.Provider = solana.MustPublicKeyFromBase58("9pYyW7Vq8vR1v8yG7XJmK8z9w9hS6z2yL6R1f8gH7J3")
	orch := session.New(cfg, client, oneWordGateway{}, nil, nil, clock.Real())

	return NewRouter(Dependencies{
		Orchestrator: orch,
		Chat:         chat.NewService(),
		Custodian:    custodian,
	}), orch
}

func TestRouterHealth(t *testing.T) {
	r, _ := newTestRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestRouterChatThenState(t *testing.T) {
	r, orch := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte(`{"message":"ping"}`)))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	orch.WaitTicks()

	if !strings.Contains(resp.Body.String(), "event: end") {
		t.Fatalf("expected completed stream, got %s", resp.Body.String())
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if !strings.Contains(resp.Body.String(), `"state":"ACTIVE"`) {
		t.Fatalf("expected ACTIVE state, got %s", resp.Body.String())
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/ledger", nil))
	if !strings.Contains(resp.Body.String(), "batch_settle(1)") {
		t.Fatalf("expected usage tick in ledger log, got %s", resp.Body.String())
	}
}

func TestRouterCompletionsWithoutBackend(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{"messages":[{"role":"user","content":"hi"}]}`)))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected CORS headers, got %v", resp.Header())
	}
}
