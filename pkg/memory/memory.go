package memory

import (
	"context"
	"sync"
	"time"

	"github.com/maestro-run/maestro/pkg/protocol"
)

// MemoryStore is the in-process ConversationStore. Writes on one
// conversation serialize in arrival order under a single lock.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*protocol.Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*protocol.Conversation)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*protocol.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	clone := *conv
	clone.Messages = conv.History()
	return &clone, nil
}

func (s *MemoryStore) Set(ctx context.Context, conv *protocol.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *conv
	clone.Messages = conv.History()
	s.conversations[conv.ID] = &clone
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*protocol.Conversation)
	return nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, id string, msg protocol.Message) error {
	return s.AddMessages(ctx, id, []protocol.Message{msg})
}

func (s *MemoryStore) AddMessages(ctx context.Context, id string, msgs []protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		conv = protocol.NewConversation(id)
		s.conversations[id] = conv
	}
	if err := conv.Append(msgs...); err != nil {
		return err
	}
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, id string) ([]protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return conv.History(), nil
}

func (s *MemoryStore) Close() error { return nil }
