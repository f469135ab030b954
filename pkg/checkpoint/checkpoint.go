// Package checkpoint records pipeline run progress so interrupted runs
// can resume from the last completed step.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of one checkpoint.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Checkpoint marks one pipeline step within a run. At most one checkpoint
// per run may be in_progress at a time.
type Checkpoint struct {
	RunID      string         `json:"runId"`
	PipelineID string         `json:"pipelineId"`
	Step       int            `json:"step"`
	Status     Status         `json:"status"`
	Context    map[string]any `json:"context,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// ErrInProgressConflict reports a second in_progress checkpoint for a run.
type ErrInProgressConflict struct {
	RunID string
	Step  int
}

func (e *ErrInProgressConflict) Error() string {
	return fmt.Sprintf("run %s already has an in_progress checkpoint (step %d)", e.RunID, e.Step)
}

// Store persists checkpoints keyed by (runId, step).
type Store interface {
	// Save upserts a checkpoint. Saving a second in_progress checkpoint
	// for the same run fails with ErrInProgressConflict.
	Save(ctx context.Context, cp Checkpoint) error

	// Get returns the checkpoint for (runId, step), or nil when absent.
	Get(ctx context.Context, runID string, step int) (*Checkpoint, error)

	// List returns a run's checkpoints ordered by step.
	List(ctx context.Context, runID string) ([]Checkpoint, error)

	// Latest returns the highest-step checkpoint of a run, or nil.
	Latest(ctx context.Context, runID string) (*Checkpoint, error)

	// Delete removes all checkpoints of a run.
	Delete(ctx context.Context, runID string) error

	Close() error
}

type memoryKey struct {
	runID string
	step  int
}

// MemoryStore is the in-process Store used by tests and single-node runs.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[memoryKey]Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[memoryKey]Checkpoint)}
}

func (s *MemoryStore) Save(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.Status == StatusInProgress {
		for key, existing := range s.items {
			if key.runID == cp.RunID && key.step != cp.Step && existing.Status == StatusInProgress {
				return &ErrInProgressConflict{RunID: cp.RunID, Step: existing.Step}
			}
		}
	}

	cp.UpdatedAt = time.Now()
	s.items[memoryKey{runID: cp.RunID, step: cp.Step}] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, runID string, step int) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.items[memoryKey{runID: runID, step: step}]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Checkpoint
	for key, cp := range s.items {
		if key.runID == runID {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (s *MemoryStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	all, err := s.List(ctx, runID)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	last := all[len(all)-1]
	return &last, nil
}

func (s *MemoryStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.items {
		if key.runID == runID {
			delete(s.items, key)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
