package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
	"github.com/zerorouter/zerorouter/backend/pkg/utils"
)

// Streamer is the inference backend behind the gateway.
type Streamer interface {
	Stream(ctx context.Context, req completion.Request) (*schema.StreamReader[*schema.Message], error)
	ModelName() string
}

// Handler serves an OpenAI-compatible /v1/chat/completions endpoint.
type Handler struct {
	backend Streamer
}

func New(backend Streamer) *Handler {
	return &Handler{backend: backend}
}

// RegisterRoutes 注册补全网关路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/completions", h.handleCompletions)
}

type completionRequest struct {
	Model    string               `json:"model"`
	Messages []completion.Message `json:"messages"`
	Stream   *bool                `json:"stream,omitempty"`
}

func (h *Handler) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if h.backend == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "inference backend unavailable")
		return
	}

	var payload completionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(payload.Messages) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "messages are required")
		return
	}

	reader, err := h.backend.Stream(r.Context(), completion.Request{Model: payload.Model, Messages: payload.Messages})
	if err != nil {
		log.Printf("[gateway] open stream: %v", err)
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer reader.Close()

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	model := h.backend.ModelName()

	if payload.Stream != nil && !*payload.Stream {
		h.respondWhole(w, reader, id, created, model)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)

	for {
		msg, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// 不发送 [DONE]，客户端据此判定流被中断
			log.Printf("[gateway] stream %s interrupted: %v", id, err)
			return
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		utils.SendSSEChunk(w, flusher, chunk(id, created, model, msg.Content, ""))
	}

	utils.SendSSEChunk(w, flusher, chunk(id, created, model, "", openai.FinishReasonStop))
	utils.SendSSEDone(w, flusher)
}

func (h *Handler) respondWhole(w http.ResponseWriter, reader *schema.StreamReader[*schema.Message], id string, created int64, model string) {
	var builder strings.Builder
	for {
		msg, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			utils.RespondError(w, http.StatusBadGateway, err.Error())
			return
		}
		if msg != nil {
			builder.WriteString(msg.Content)
		}
	}

	utils.RespondJSON(w, http.StatusOK, openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: builder.String()},
			FinishReason: openai.FinishReasonStop,
		}},
	})
}

func chunk(id string, created int64, model, content string, finish openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        openai.ChatCompletionStreamChoiceDelta{Content: content},
			FinishReason: finish,
		}},
	}
}
