package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/zerorouter/zerorouter/backend/internal/handler/chat"
	"github.com/zerorouter/zerorouter/backend/internal/handler/completion"
	ledgerHandler "github.com/zerorouter/zerorouter/backend/internal/handler/ledger"
	sessionHandler "github.com/zerorouter/zerorouter/backend/internal/handler/session"
	signerHandler "github.com/zerorouter/zerorouter/backend/internal/handler/signer"
	"github.com/zerorouter/zerorouter/backend/internal/handler/stream"
	aiService "github.com/zerorouter/zerorouter/backend/internal/service/ai"
	"github.com/zerorouter/zerorouter/backend/internal/service/balance"
	chatService "github.com/zerorouter/zerorouter/backend/internal/service/chat"
	sessionService "github.com/zerorouter/zerorouter/backend/internal/service/session"
	signerService "github.com/zerorouter/zerorouter/backend/internal/service/signer"
	"github.com/zerorouter/zerorouter/backend/pkg/utils"
)

// Dependencies are the services the HTTP surface exposes. AI and
// Custodian may be nil; their endpoints then answer 503.
type Dependencies struct {
	Orchestrator   *sessionService.Orchestrator
	Poller         *balance.Poller
	Chat           *chatService.Service
	AI             *aiService.Service
	Custodian      *signerService.Custodian
	SignerAuthKey  string
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(deps.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		chat.New(deps.Chat).RegisterRoutes(api)
		stream.New(deps.Orchestrator, deps.Chat).RegisterRoutes(api)
		ledgerHandler.New(deps.Orchestrator.Journal()).RegisterRoutes(api)
		signerHandler.New(deps.Custodian, deps.SignerAuthKey).RegisterRoutes(api)

		var refresher sessionHandler.Refresher
		if deps.Poller != nil {
			refresher = deps.Poller
		}
		sessionHandler.New(deps.Orchestrator, refresher).RegisterRoutes(api)
	})

	var backend completion.Streamer
	if deps.AI != nil {
		backend = deps.AI
	}
	r.Route("/v1", func(v1 chi.Router) {
		completion.New(backend).RegisterRoutes(v1)
	})

	return r
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}).Handler
}
