package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

// Client consumes an OpenAI-compatible /v1/chat/completions stream.
type Client struct {
	client *openai.Client
}

// NewClient targets baseURL (without the /v1 suffix). apiKey may be empty
// for gateways that do not authenticate.
func NewClient(baseURL, apiKey string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	return &Client{client: openai.NewClientWithConfig(cfg)}
}

func (c *Client) Stream(ctx context.Context, req Request) (*schema.StreamReader[Fragment], error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}

	reader, writer := schema.Pipe[Fragment](16)
	go func() {
		defer writer.Close()
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				log.Printf("[completion] stream ended abnormally: %v", err)
				writer.Send(Fragment{}, fmt.Errorf("%w: %v", ErrStreamInterrupted, err))
				return
			}

			frag := Fragment{}
			for _, choice := range resp.Choices {
				frag.Delta += choice.Delta.Content
			}
			if resp.Usage != nil {
				frag.Usage = &UsageHint{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			if frag.Delta == "" && frag.Usage == nil {
				continue
			}
			if closed := writer.Send(frag, nil); closed {
				return
			}
		}
	}()

	return reader, nil
}
