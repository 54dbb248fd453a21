package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zerorouter/zerorouter/backend/internal/config"
	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
)

func TestSplitConversation(t *testing.T) {
	system, history, query := splitConversation([]completion.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	})

	if len(system) != 1 || system[0] != "be brief" {
		t.Fatalf("unexpected system turns: %v", system)
	}
	if len(history) != 2 || history[1].Content != "reply" {
		t.Fatalf("unexpected history: %+v", history)
	}
	if query != "second" {
		t.Fatalf("unexpected query: %q", query)
	}
}

func TestStreamFromUpstream(t *testing.T) {
	var received struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Zero", "Claw"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	svc, err := NewService(context.Background(), config.AIConfig{
		Provider:      config.BackendOpenAI,
		UpstreamURL:   upstream.URL,
		UpstreamModel: "llama3.2:1b",
	})
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	if svc.Backend() != config.BackendOpenAI {
		t.Fatalf("unexpected backend: %s", svc.Backend())
	}

	stream, err := svc.Stream(context.Background(), completion.Request{
		Messages: []completion.Message{{Role: "user", Content: "who are you"}},
	})
	if err != nil {
		t.Fatalf("Stream err: %v", err)
	}
	defer stream.Close()

	text := ""
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv err: %v", err)
		}
		text += msg.Content
	}

	if text != "ZeroClaw" {
		t.Fatalf("unexpected text: %q", text)
	}
	if received.Model != "llama3.2:1b" {
		t.Fatalf("unexpected model: %s", received.Model)
	}
	if len(received.Messages) != 2 || received.Messages[0].Role != "system" {
		t.Fatalf("expected system prompt then query, got %+v", received.Messages)
	}
}

func TestStreamRequiresUserMessage(t *testing.T) {
	svc, err := NewService(context.Background(), config.AIConfig{
		Provider:    config.BackendOpenAI,
		UpstreamURL: "http://127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	if _, err := svc.Stream(context.Background(), completion.Request{}); err == nil {
		t.Fatal("expected error for empty conversation")
	}
}
