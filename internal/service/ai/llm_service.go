package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zerorouter/zerorouter/backend/internal/config"
	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
)

// Service produces completion streams for the /v1/chat/completions
// gateway, either from Ark through an eino chain or from an
// OpenAI-compatible upstream such as Ollama or vLLM.
type Service struct {
	cfg      config.AIConfig
	backend  string
	chain    compose.Runnable[map[string]any, *schema.Message]
	upstream *openai.Client
}

// NewService creates a new AI service instance for the configured backend.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	s := &Service{cfg: cfg, backend: cfg.Backend()}

	switch s.backend {
	case config.BackendArk:
		chatModel, err := cfg.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}

		promptTemplate := prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{system}"),
			schema.MessagesPlaceholder("history", true),
			schema.UserMessage("{query}"),
		)

		chain := compose.NewChain[map[string]any, *schema.Message]()
		chain.AppendChatTemplate(promptTemplate)
		chain.AppendChatModel(chatModel)

		runnable, err := chain.Compile(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to compile chat chain: %w", err)
		}
		s.chain = runnable
	default:
		upstreamCfg := openai.DefaultConfig(cfg.UpstreamAPIKey)
		upstreamCfg.BaseURL = strings.TrimRight(cfg.UpstreamURL, "/") + "/v1"
		s.upstream = openai.NewClientWithConfig(upstreamCfg)
	}

	log.Printf("[ai] completion backend=%s model=%s", s.backend, s.ModelName())
	return s, nil
}

// Backend names the active backend.
func (s *Service) Backend() string { return s.backend }

// ModelName is the model requests are served with.
func (s *Service) ModelName() string {
	if s.backend == config.BackendArk {
		return s.cfg.Model
	}
	return s.cfg.UpstreamModel
}

// Stream generates a streamed reply to the conversation. The caller's
// model field is advisory; the configured model always serves.
func (s *Service) Stream(ctx context.Context, req completion.Request) (*schema.StreamReader[*schema.Message], error) {
	system, history, query := splitConversation(req.Messages)
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("conversation has no user message")
	}
	systemPrompt := buildSystemPrompt(s.cfg.SystemPrompt, system)

	if s.chain != nil {
		stream, err := s.chain.Stream(ctx, map[string]any{
			"system":  systemPrompt,
			"history": buildHistoryMessages(history),
			"query":   query,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
		}
		return stream, nil
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: query})

	upstream, err := s.upstream.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    s.cfg.UpstreamModel,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("inference node unreachable: %w", err)
	}

	reader, writer := schema.Pipe[*schema.Message](16)
	go func() {
		defer writer.Close()
		defer upstream.Close()
		for {
			resp, err := upstream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				writer.Send(nil, err)
				return
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if closed := writer.Send(schema.AssistantMessage(choice.Delta.Content, nil), nil); closed {
					return
				}
			}
		}
	}()
	return reader, nil
}

func buildHistoryMessages(messages []completion.Message) []*schema.Message {
	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			history = append(history, schema.UserMessage(msg.Content))
		case "assistant":
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
