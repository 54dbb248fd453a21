package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zerorouter/zerorouter/backend/internal/handler/httperr"
	"github.com/zerorouter/zerorouter/backend/internal/model/chat"
	chatService "github.com/zerorouter/zerorouter/backend/internal/service/chat"
	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
	"github.com/zerorouter/zerorouter/backend/internal/service/session"
	"github.com/zerorouter/zerorouter/backend/pkg/utils"
)

// Metered runs one metered interaction.
type Metered interface {
	Submit(ctx context.Context, messages []completion.Message, onDelta func(string)) (session.Result, error)
	Snapshot() session.Snapshot
}

// Handler streams metered completions to the terminal via Server-Sent Events
type Handler struct {
	orchestrator Metered
	chatSvc      *chatService.Service
}

// New creates a new stream handler
func New(orchestrator Metered, chatSvc *chatService.Service) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		chatSvc:      chatSvc,
	}
}

// RegisterRoutes 注册流式对话路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	ContextID string `json:"contextId"`
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	ContextID   string `json:"contextId,omitempty"`
	Content     string `json:"content,omitempty"`
	State       string `json:"state,omitempty"`
	Session     string `json:"session,omitempty"`
	Units       uint64 `json:"units,omitempty"`
	Cost        uint64 `json:"cost,omitempty"`
	UsageOps    int    `json:"usageOps,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
	Finished    bool   `json:"finished,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        int    `json:"code,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	conv := h.chatSvc.Ensure(ctx, payload.ContextID)

	history, err := h.chatSvc.History(ctx, conv.ID)
	if err != nil {
		utils.RespondError(w, httperr.Status(err), err.Error())
		return
	}
	messages := toCompletionMessages(history)
	messages = append(messages, completion.Message{Role: string(chat.RoleUser), Content: payload.Message})

	if _, err := h.chatSvc.SaveMessage(ctx, chat.Message{
		ContextID: conv.ID,
		Role:      chat.RoleUser,
		Content:   payload.Message,
	}); err != nil {
		log.Printf("[stream] failed to save user message: %v", err)
	}

	utils.SetupSSEHeaders(w)

	snap := h.orchestrator.Snapshot()
	utils.SendSSEEvent(w, flusher, "status", StreamResponse{
		ContextID: conv.ID,
		State:     snap.State.String(),
		Session:   snap.Session,
	})

	res, err := h.orchestrator.Submit(ctx, messages, func(delta string) {
		utils.SendSSEEvent(w, flusher, "delta", StreamResponse{
			ContextID: conv.ID,
			Content:   delta,
		})
	})

	if res.Units > 0 {
		if _, saveErr := h.chatSvc.SaveMessage(ctx, chat.Message{
			ContextID: conv.ID,
			Role:      chat.RoleAssistant,
			Content:   res.Text,
			Units:     res.Units,
		}); saveErr != nil {
			log.Printf("[stream] failed to save assistant message: %v", saveErr)
		}
		utils.SendSSEEvent(w, flusher, "usage", StreamResponse{
			ContextID:   conv.ID,
			Units:       res.Units,
			Cost:        res.Cost,
			UsageOps:    res.UsageOps,
			Interrupted: res.Interrupted,
		})
	}

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[stream] context=%s: %v", conv.ID, err)
		}
		utils.SendSSEEvent(w, flusher, "error", StreamResponse{
			ContextID: conv.ID,
			Error:     err.Error(),
			Code:      httperr.Status(err),
		})
		return
	}

	utils.SendSSEEvent(w, flusher, "end", StreamResponse{
		ContextID: conv.ID,
		Finished:  true,
	})
	log.Printf("[stream] completed response for context=%s units=%d", conv.ID, res.Units)
}

func toCompletionMessages(history []chat.Message) []completion.Message {
	out := make([]completion.Message, 0, len(history)+1)
	for _, msg := range history {
		out = append(out, completion.Message{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}
