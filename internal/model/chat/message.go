package chat

import "time"

// Role names the author of a transcript turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	ID        string    `json:"id"`
	ContextID string    `json:"contextId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Units     uint64    `json:"units,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a transient UI context; it lives only in memory.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}
