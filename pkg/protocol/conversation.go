package protocol

import (
	"fmt"
	"time"
)

// ConversationPolicy bounds a conversation's growth and lookup behavior.
type ConversationPolicy struct {
	// MaxMessages caps the number of stored messages (0 = unbounded).
	MaxMessages int `json:"max_messages,omitempty" yaml:"max_messages,omitempty"`

	// MaxCharacters caps the total text size of a single message (0 = unbounded).
	MaxCharacters int `json:"max_characters,omitempty" yaml:"max_characters,omitempty"`

	// StrictLookup makes store reads fail on unknown ids instead of
	// returning an empty conversation.
	StrictLookup bool `json:"strict_lookup,omitempty" yaml:"strict_lookup,omitempty"`
}

// Conversation is an ordered sequence of messages plus bookkeeping.
// System messages are never stored here; they live in agent configuration.
type Conversation struct {
	ID        string             `json:"id"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Messages  []Message          `json:"messages"`
	Policy    ConversationPolicy `json:"policy,omitempty"`
}

// NewConversation creates an empty conversation.
func NewConversation(id string) *Conversation {
	now := time.Now()
	return &Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
}

// Append adds messages in order, enforcing the conversation policy.
// System messages are rejected.
func (c *Conversation) Append(messages ...Message) error {
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			return fmt.Errorf("conversation %s: system messages are not persisted", c.ID)
		}
		if c.Policy.MaxMessages > 0 && len(c.Messages) >= c.Policy.MaxMessages {
			return fmt.Errorf("conversation %s: message limit %d reached", c.ID, c.Policy.MaxMessages)
		}
		c.Messages = append(c.Messages, msg)
	}
	c.UpdatedAt = time.Now()
	return nil
}

// History returns a copy of the message slice.
func (c *Conversation) History() []Message {
	out := make([]Message, len(c.Messages))
	copy(out, c.Messages)
	return out
}
