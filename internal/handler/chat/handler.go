package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zerorouter/zerorouter/backend/internal/handler/httperr"
	chatService "github.com/zerorouter/zerorouter/backend/internal/service/chat"
	"github.com/zerorouter/zerorouter/backend/pkg/utils"
)

// Handler 对话上下文与记录的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/context", h.handleCreateContext)
	r.Get("/transcript/{contextId}", h.handleTranscript)
}

// handleCreateContext 创建（或复用）一个对话上下文
func (h *Handler) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ContextID string `json:"contextId"`
	}

	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	conv := h.chatSvc.Ensure(r.Context(), payload.ContextID)
	utils.RespondJSON(w, http.StatusCreated, conv)
}

// handleTranscript 返回某个上下文的完整记录
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextId")

	messages, err := h.chatSvc.LoadTranscript(r.Context(), contextID)
	if err != nil {
		if errors.Is(err, chatService.ErrConversationMissing) {
			utils.RespondError(w, http.StatusNotFound, "context not found")
			return
		}
		utils.RespondError(w, httperr.Status(err), err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"contextId": contextID,
		"messages":  messages,
	})
}
