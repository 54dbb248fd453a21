package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zerorouter/zerorouter/backend/internal/model/chat"
)

// HistoryLimit is how many recent turns are replayed to the completion
// gateway.
const HistoryLimit = 10

var (
	ErrEmptyMessage        = errors.New("message content is required")
	ErrConversationMissing = errors.New("conversation not found")
)

// Service keeps conversation transcripts in memory.
type Service struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
}

// NewService bootstraps the in-memory transcript store.
func NewService() *Service {
	return &Service{
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
	}
}

// Ensure returns the conversation for id, creating it when missing. An
// empty id allocates a fresh conversation.
func (s *Service) Ensure(_ context.Context, id string) chat.Conversation {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if conv, ok := s.conversations[id]; ok {
			return conv
		}
	} else {
		id = uuid.NewString()
	}

	conv := chat.Conversation{ID: id, CreatedAt: time.Now().UTC()}
	s.conversations[id] = conv
	s.messages[id] = make([]chat.Message, 0, 16)
	return conv
}

// SaveMessage appends a turn to its conversation.
func (s *Service) SaveMessage(_ context.Context, message chat.Message) (chat.Message, error) {
	if strings.TrimSpace(message.Content) == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[message.ContextID]; !ok {
		return chat.Message{}, ErrConversationMissing
	}

	message.ID = uuid.NewString()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	s.messages[message.ContextID] = append(s.messages[message.ContextID], message)
	return message, nil
}

// LoadTranscript returns every stored turn for a conversation.
func (s *Service) LoadTranscript(_ context.Context, contextID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[contextID]
	if !ok {
		return nil, ErrConversationMissing
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// History returns at most HistoryLimit of the latest user and assistant
// turns, oldest first.
func (s *Service) History(ctx context.Context, contextID string) ([]chat.Message, error) {
	messages, err := s.LoadTranscript(ctx, contextID)
	if err != nil {
		return nil, err
	}

	history := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == chat.RoleUser || msg.Role == chat.RoleAssistant {
			history = append(history, msg)
		}
	}
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}
	return history, nil
}
