package httperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/zerorouter/zerorouter/backend/internal/service/chat"
	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
	"github.com/zerorouter/zerorouter/backend/internal/service/ledger"
	"github.com/zerorouter/zerorouter/backend/internal/service/session"
	"github.com/zerorouter/zerorouter/backend/internal/service/settlement"
	"github.com/zerorouter/zerorouter/backend/internal/service/signer"
)

// Status 将服务层错误映射为 HTTP 状态码。
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrStaleSession),
		errors.Is(err, settlement.ErrSessionNotInitialized):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrLedgerRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrGatewayUnavailable),
		errors.Is(err, ledger.ErrConfirmTimeout),
		errors.Is(err, signer.ErrRemoteSignerUnavailable),
		errors.Is(err, signer.ErrSignerNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, signer.ErrApprovalDenied), errors.Is(err, signer.ErrUnauthorized), errors.Is(err, signer.ErrForeignProgram):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrConversationMissing):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, settlement.ErrInvalidSeed):
		return http.StatusBadRequest
	case errors.Is(err, completion.ErrStreamInterrupted):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
