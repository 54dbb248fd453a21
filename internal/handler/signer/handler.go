package signer

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	signerService "github.com/zerorouter/zerorouter/backend/internal/service/signer"
	"github.com/zerorouter/zerorouter/backend/pkg/utils"
)

// Handler 托管签名端点。custodian 为 nil 时端点以 503 拒绝所有请求。
type Handler struct {
	custodian  *signerService.Custodian
	authSecret string
}

// New 创建签名处理器；authSecret 非空时要求 Bearer JWT。
func New(custodian *signerService.Custodian, authSecret string) *Handler {
	return &Handler{custodian: custodian, authSecret: authSecret}
}

// RegisterRoutes 注册签名路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sign", h.handleSign)
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	if h.custodian == nil {
		respond(w, http.StatusServiceUnavailable, signerService.SignResponse{Error: signerService.ErrSignerNotConfigured.Error()})
		return
	}

	if h.authSecret != "" {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		claims, err := signerService.VerifyToken(h.authSecret, token)
		if err != nil {
			respond(w, http.StatusUnauthorized, signerService.SignResponse{Error: err.Error()})
			return
		}
		if claims.Signer != "" && claims.Signer != h.custodian.PublicKey().String() {
			respond(w, http.StatusForbidden, signerService.SignResponse{Error: "token issued for a different signer"})
			return
		}
	}

	var req signerService.SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Transaction == "" {
		respond(w, http.StatusBadRequest, signerService.SignResponse{Error: "transaction is required"})
		return
	}

	signed, err := h.custodian.SignBase64(req.Transaction)
	if err != nil {
		log.Printf("[signer] refused to sign: %v", err)
		status := http.StatusBadRequest
		if errors.Is(err, signerService.ErrForeignProgram) {
			status = http.StatusForbidden
		}
		respond(w, status, signerService.SignResponse{Error: err.Error()})
		return
	}

	respond(w, http.StatusOK, signerService.SignResponse{Transaction: signed})
}

func respond(w http.ResponseWriter, status int, payload signerService.SignResponse) {
	utils.RespondJSON(w, status, payload)
}
