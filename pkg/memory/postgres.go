package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/maestro-run/maestro/pkg/protocol"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT   NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq             BIGINT NOT NULL,
	payload         JSONB  NOT NULL,
	PRIMARY KEY (conversation_id, seq)
);
`

// PostgresStore is a shared ConversationStore for multi-process
// deployments. Same contract and payload encoding as SQLiteStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with the given DSN and migrates the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*protocol.Conversation, error) {
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM conversations WHERE id = $1`, id,
	).Scan(&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	msgs, err := s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return &protocol.Conversation{
		ID:        id,
		CreatedAt: time.UnixMilli(createdAt),
		UpdatedAt: time.UnixMilli(updatedAt),
		Messages:  msgs,
	}, nil
}

func (s *PostgresStore) loadMessages(ctx context.Context, id string) ([]protocol.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE conversation_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg, err := protocol.UnmarshalMessage(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) Set(ctx context.Context, conv *protocol.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	createdAt := conv.CreatedAt.UnixMilli()
	if conv.CreatedAt.IsZero() {
		createdAt = now
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		conv.ID, createdAt, now); err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = $1`, conv.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	for i, msg := range conv.Messages {
		payload, err := protocol.MarshalMessage(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, payload) VALUES ($1, $2, $3)`,
			conv.ID, i, payload); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return fmt.Errorf("failed to clear conversations: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, id string, msg protocol.Message) error {
	return s.AddMessages(ctx, id, []protocol.Message{msg})
}

func (s *PostgresStore) AddMessages(ctx context.Context, id string, msgs []protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The upsert's row lock serializes concurrent appenders on one
	// conversation for the rest of the transaction.
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		id, now, now); err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE conversation_id = $1`, id,
	).Scan(&next); err != nil {
		return fmt.Errorf("failed to read message sequence: %w", err)
	}

	for i, msg := range msgs {
		payload, err := protocol.MarshalMessage(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, payload) VALUES ($1, $2, $3)`,
			id, next+i, payload); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetHistory(ctx context.Context, id string) ([]protocol.Message, error) {
	return s.loadMessages(ctx, id)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
