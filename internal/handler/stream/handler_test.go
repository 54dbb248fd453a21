package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/zerorouter/zerorouter/backend/internal/clock"
	model "github.com/zerorouter/zerorouter/backend/internal/model/chat"
	chatservice "github.com/zerorouter/zerorouter/backend/internal/service/chat"
	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
	"github.com/zerorouter/zerorouter/backend/internal/service/ledger"
	"github.com/zerorouter/zerorouter/backend/internal/service/session"
	"github.com/zerorouter/zerorouter/backend/internal/service/settlement"
	"github.com/zerorouter/zerorouter/backend/internal/service/signer"
)

type fixedGateway struct {
	fragments []string
	requests  []completion.Request
}

func (g *fixedGateway) Stream(_ context.Context, req completion.Request) (*schema.StreamReader[completion.Fragment], error) {
	g.requests = append(g.requests, req)
	frags := make([]completion.Fragment, 0, len(g.fragments))
	for _, f := range g.fragments {
		frags = append(frags, completion.Fragment{Delta: f})
	}
	return schema.StreamReaderFromArray(frags), nil
}

func setup(t *testing.T, gw completion.Gateway, sign func(solana.PrivateKey) signer.Signer) (*chi.Mux, *chatservice.Service, *session.Orchestrator, *ledger.Network) {
	t.Helper()
	programs := ledger.Programs{
		Settlement: solana.MustPublicKeyFromBase58("8Wnd5SSnzjDrFY1Up1Lqwz4QZJvpQcMT3dimQAjZ561Z"),
		Delegation: solana.MustPublicKeyFromBase58("DELeGGvXpWV2fqJUhqcF5ZSYMS4JTLjteaAMARRSaeSh"),
		Mint:       solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"),
	}
	payer, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("key err: %v", err)
	}
	network := ledger.NewNetwork(programs)
	if err := network.Fund(payer.PublicKey(), 10_000_000, 1_000_000_000); err != nil {
		t.Fatalf("Fund err: %v", err)
	}

	var s signer.Signer = signer.NewInteractive(payer, signer.AutoApprove)
	if sign != nil {
		s = sign(payer)
	}
	client := settlement.NewClient(settlement.NewDeriver(programs), network.Durable(), network.Rollup(), s)
	client.SetRetryOptions(ledger.RetryOptions{MaxRetries: 1})

	cfg := session.DefaultConfig()
	cfg.Payer = payer.PublicKey()
	cfg.Provider = solana.MustPublicKeyFromBase58("9pYyW7Vq8vR1v8yG7XJmK8z9w9hS6z2yL6R1f8gH7J3")
	orch := session.New(cfg, client, gw, nil, nil, clock.Fake(time.Unix(1_700_000_000, 0)))

	chatSvc := chatservice.NewService()
	r := chi.NewRouter()
	New(orch, chatSvc).RegisterRoutes(r)
	return r, chatSvc, orch, network
}

func postChat(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

type sseEvent struct {
	name string
	data StreamResponse
}

func parseEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
					t.Fatalf("decode event %q: %v", line, err)
				}
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestChatStreamsMeteredReply(t *testing.T) {
	gw := &fixedGateway{fragments: []string{"Zero", "Claw", " online"}}
	r, chatSvc, orch, network := setup(t, gw, nil)

	resp := postChat(r, `{"message":"hello","contextId":"terminal-1"}`)
	orch.WaitTicks()

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}

	events := parseEvents(t, resp.Body.String())
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.name)
	}
	want := []string{"status", "delta", "delta", "delta", "usage", "end"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("unexpected events: %v", names)
	}
	if events[0].data.State != "IDLE" {
		t.Fatalf("expected IDLE status before setup, got %s", events[0].data.State)
	}
	usage := events[4].data
	if usage.Units != 3 || usage.Cost != 300 || usage.UsageOps != 1 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if orch.Snapshot().State.String() != "ACTIVE" {
		t.Fatalf("expected ACTIVE after stream, got %s", orch.Snapshot().State)
	}
	if len(network.Applied()) != 3 {
		t.Fatalf("expected init, delegate and one usage tick, got %+v", network.Applied())
	}

	transcript, err := chatSvc.LoadTranscript(context.Background(), "terminal-1")
	if err != nil {
		t.Fatalf("LoadTranscript err: %v", err)
	}
	if len(transcript) != 2 || transcript[1].Role != model.RoleAssistant || transcript[1].Content != "ZeroClaw online" || transcript[1].Units != 3 {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
}

func TestChatReplaysHistory(t *testing.T) {
	gw := &fixedGateway{fragments: []string{"ok"}}
	r, _, orch, _ := setup(t, gw, nil)

	postChat(r, `{"message":"first","contextId":"c1"}`)
	postChat(r, `{"message":"second","contextId":"c1"}`)
	orch.WaitTicks()

	if len(gw.requests) != 2 {
		t.Fatalf("expected two completion requests, got %d", len(gw.requests))
	}
	msgs := gw.requests[1].Messages
	if len(msgs) != 3 || msgs[0].Content != "first" || msgs[1].Content != "ok" || msgs[2].Content != "second" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	r, _, _, _ := setup(t, &fixedGateway{}, nil)

	resp := postChat(r, `{"message":"   "}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestChatSignerUnavailable(t *testing.T) {
	signerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer signerSrv.Close()

	gw := &fixedGateway{fragments: []string{"never"}}
	r, _, orch, network := setup(t, gw, func(key solana.PrivateKey) signer.Signer {
		return signer.NewRemote(signerSrv.URL, key.PublicKey())
	})

	resp := postChat(r, `{"message":"hello"}`)
	events := parseEvents(t, resp.Body.String())
	last := events[len(events)-1]
	if last.name != "error" || last.data.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 error event, got %+v", last)
	}
	if len(gw.requests) != 0 {
		t.Fatal("completion should not start when setup fails")
	}
	if network.Submitted() != 0 {
		t.Fatalf("nothing should reach the ledger, got %d", network.Submitted())
	}
	if orch.Snapshot().State.String() != "IDLE" {
		t.Fatalf("expected IDLE, got %s", orch.Snapshot().State)
	}
}
