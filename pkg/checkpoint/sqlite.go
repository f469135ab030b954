package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id      TEXT    NOT NULL,
	step        INTEGER NOT NULL,
	pipeline_id TEXT    NOT NULL,
	status      TEXT    NOT NULL,
	context     BLOB,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (run_id, step)
);
`

// SQLiteStore is a file-backed checkpoint Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if cp.Status == StatusInProgress {
		var step int
		err := tx.QueryRowContext(ctx,
			`SELECT step FROM checkpoints WHERE run_id = ? AND status = ? AND step != ?`,
			cp.RunID, StatusInProgress, cp.Step,
		).Scan(&step)
		if err == nil {
			return &ErrInProgressConflict{RunID: cp.RunID, Step: step}
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to check in_progress checkpoints: %w", err)
		}
	}

	var payload []byte
	if cp.Context != nil {
		payload, err = json.Marshal(cp.Context)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint context: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, step, pipeline_id, status, context, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step) DO UPDATE SET
		   pipeline_id = excluded.pipeline_id,
		   status      = excluded.status,
		   context     = excluded.context,
		   updated_at  = excluded.updated_at`,
		cp.RunID, cp.Step, cp.PipelineID, cp.Status, payload, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to upsert checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, runID string, step int) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, step, pipeline_id, status, context, updated_at
		 FROM checkpoints WHERE run_id = ? AND step = ?`, runID, step)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step, pipeline_id, status, context, updated_at
		 FROM checkpoints WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, step, pipeline_id, status, context, updated_at
		 FROM checkpoints WHERE run_id = ? ORDER BY step DESC LIMIT 1`, runID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		payload   []byte
		updatedAt int64
	)
	if err := row.Scan(&cp.RunID, &cp.Step, &cp.PipelineID, &cp.Status, &payload, &updatedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &cp.Context); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint context: %w", err)
		}
	}
	cp.UpdatedAt = time.UnixMilli(updatedAt)
	return &cp, nil
}
