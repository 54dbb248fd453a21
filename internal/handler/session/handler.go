package session

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/zerorouter/zerorouter/backend/internal/handler/httperr"
	sessionService "github.com/zerorouter/zerorouter/backend/internal/service/session"
	"github.com/zerorouter/zerorouter/backend/pkg/utils"
)

// Lifecycle is the part of the orchestrator the state endpoints drive.
type Lifecycle interface {
	Snapshot() sessionService.Snapshot
	Config() sessionService.Config
	Reset()
	Close(ctx context.Context) (solana.Signature, error)
}

// Refresher reconciles balances against the ledger on demand.
type Refresher interface {
	PollOnce(ctx context.Context) error
}

// Handler 会话状态、重置与结算的HTTP处理器
type Handler struct {
	lifecycle Lifecycle
	refresher Refresher
}

// New 创建会话处理器；refresher 可为 nil。
func New(lifecycle Lifecycle, refresher Refresher) *Handler {
	return &Handler{lifecycle: lifecycle, refresher: refresher}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/state", h.handleState)
	r.Post("/reset", h.handleReset)
	r.Post("/close", h.handleClose)
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	sessionService.Snapshot
	Payer    string `json:"payer"`
	Provider string `json:"provider"`
	Deposit  uint64 `json:"deposit"`
	Strategy string `json:"strategy"`
}

func (h *Handler) state() StateResponse {
	cfg := h.lifecycle.Config()
	return StateResponse{
		Snapshot: h.lifecycle.Snapshot(),
		Payer:    cfg.Payer.String(),
		Provider: cfg.Provider.String(),
		Deposit:  cfg.Deposit,
		Strategy: string(cfg.Strategy),
	}
}

// handleState 返回会话状态；?refresh=true 时先与链上余额对账
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh && h.refresher != nil {
		if err := h.refresher.PollOnce(r.Context()); err != nil {
			log.Printf("[state] balance refresh failed: %v", err)
		}
	}
	utils.RespondJSON(w, http.StatusOK, h.state())
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.lifecycle.Reset()
	utils.RespondJSON(w, http.StatusOK, h.state())
}

// handleClose 立即结算当前会话，与空闲超时共用同一把守卫
func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	sig, err := h.lifecycle.Close(r.Context())
	if err != nil {
		log.Printf("[state] close failed: %v", err)
		utils.RespondError(w, httperr.Status(err), err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"signature": sig.String(),
		"state":     h.lifecycle.Snapshot().State,
	})
}
