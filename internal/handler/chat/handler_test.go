package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	model "github.com/zerorouter/zerorouter/backend/internal/model/chat"
	chatservice "github.com/zerorouter/zerorouter/backend/internal/service/chat"
)

func setupRouter() (*chi.Mux, *chatservice.Service) {
	chatSvc := chatservice.NewService()
	handler := New(chatSvc)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, chatSvc
}

func TestCreateContextGeneratesID(t *testing.T) {
	r, _ := setupRouter()

	req := httptest.NewRequest(http.MethodPost, "/context", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var conv model.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("expected generated context id")
	}
}

func TestCreateContextKeepsRequestedID(t *testing.T) {
	r, _ := setupRouter()
	payload, _ := json.Marshal(map[string]string{"contextId": "terminal-1"})

	req := httptest.NewRequest(http.MethodPost, "/context", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var conv model.Conversation
	json.NewDecoder(resp.Body).Decode(&conv)
	if conv.ID != "terminal-1" {
		t.Fatalf("expected terminal-1, got %s", conv.ID)
	}
}

func TestCreateContextInvalidBody(t *testing.T) {
	r, _ := setupRouter()

	req := httptest.NewRequest(http.MethodPost, "/context", bytes.NewReader([]byte("{")))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestTranscript(t *testing.T) {
	r, chatSvc := setupRouter()
	ctx := context.Background()
	conv := chatSvc.Ensure(ctx, "terminal-1")
	if _, err := chatSvc.SaveMessage(ctx, model.Message{ContextID: conv.ID, Role: model.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("SaveMessage err: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/transcript/terminal-1", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Messages []model.Message `json:"messages"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if len(body.Messages) != 1 || body.Messages[0].Content != "hi" {
		t.Fatalf("unexpected transcript: %+v", body.Messages)
	}
}

func TestTranscriptMissingContext(t *testing.T) {
	r, _ := setupRouter()

	req := httptest.NewRequest(http.MethodGet, "/transcript/unknown", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
