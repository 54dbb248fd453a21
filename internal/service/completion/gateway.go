package completion

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/schema"
)

// ErrStreamInterrupted is delivered through the stream when it ends
// without its end-of-stream marker. Fragments received before it stand.
var ErrStreamInterrupted = errors.New("completion stream interrupted")

// Message is one chat turn sent as context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request asks the gateway for a streamed completion.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// UsageHint is the token accounting some upstreams attach to the last frame.
type UsageHint struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Fragment is one unit of streamed output.
type Fragment struct {
	Delta string
	Usage *UsageHint
}

// Gateway opens a completion stream. The reader yields io.EOF on a clean
// end and an error wrapping ErrStreamInterrupted otherwise.
type Gateway interface {
	Stream(ctx context.Context, req Request) (*schema.StreamReader[Fragment], error)
}
