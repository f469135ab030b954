// Package memory provides conversation stores: in-memory for tests and
// single-process use, SQLite for file-backed persistence, Postgres for
// shared deployments.
package memory

import (
	"context"
	"fmt"

	"github.com/maestro-run/maestro/pkg/protocol"
)

// ErrNotFound reports a strict lookup miss.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("conversation %q not found", e.ID)
}

// ConversationStore persists conversations and their messages. Set is
// atomic; AddMessage(s) is durable before return. Messages keep insertion
// order, and a conversation loads with its messages in one logical read.
type ConversationStore interface {
	// Get returns the conversation, or nil when it does not exist.
	Get(ctx context.Context, id string) (*protocol.Conversation, error)
	// Set replaces the whole conversation, all or nothing.
	Set(ctx context.Context, conv *protocol.Conversation) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	// AddMessage appends one message, creating the conversation if needed.
	AddMessage(ctx context.Context, id string, msg protocol.Message) error
	// AddMessages appends a batch atomically.
	AddMessages(ctx context.Context, id string, msgs []protocol.Message) error
	GetHistory(ctx context.Context, id string) ([]protocol.Message, error)
	Close() error
}
