package ai

import (
	"strings"

	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
)

// DefaultSystemPrompt frames replies for a terminal where every output
// token is billed.
const DefaultSystemPrompt = `You are ZeroClaw, an inference node behind ZeroRouter.
Every token you emit is metered and settled on-chain at a fixed per-token rate, so answer directly and concisely.
Prefer plain text suitable for a terminal; avoid decorative markdown.`

// splitConversation separates caller-supplied system turns, the replayed
// history and the final user query.
func splitConversation(messages []completion.Message) (system []string, history []completion.Message, query string) {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = i
			break
		}
	}

	for i, m := range messages {
		switch {
		case i == last:
			query = m.Content
		case m.Role == "system":
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
		case m.Role == "user" || m.Role == "assistant":
			history = append(history, m)
		}
	}
	return system, history, query
}

func buildSystemPrompt(base string, extra []string) string {
	if len(extra) == 0 {
		return base
	}
	var builder strings.Builder
	builder.WriteString(base)
	for _, s := range extra {
		builder.WriteString("\n\n")
		builder.WriteString(s)
	}
	return builder.String()
}
