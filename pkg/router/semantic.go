package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemMatcher is a SemanticMatcher backed by an embedded chromem-go
// vector store. Utterance sets are embedded once and cached per set.
type ChromemMatcher struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromemMatcher builds a matcher. embed defaults to chromem's default
// embedding backend when nil.
func NewChromemMatcher(embed chromem.EmbeddingFunc) *ChromemMatcher {
	if embed == nil {
		embed = chromem.NewEmbeddingFuncDefault()
	}
	return &ChromemMatcher{
		db:          chromem.NewDB(),
		embed:       embed,
		collections: make(map[string]*chromem.Collection),
	}
}

func utteranceSetKey(utterances []string) string {
	h := fnv.New64a()
	for _, u := range utterances {
		h.Write([]byte(u))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("utterances-%x", h.Sum64())
}

func (m *ChromemMatcher) collectionFor(ctx context.Context, utterances []string) (*chromem.Collection, error) {
	key := utteranceSetKey(utterances)

	m.mu.Lock()
	defer m.mu.Unlock()
	if col, ok := m.collections[key]; ok {
		return col, nil
	}

	col, err := m.db.CreateCollection(key, nil, m.embed)
	if err != nil {
		return nil, fmt.Errorf("failed to create utterance collection: %w", err)
	}

	docs := make([]chromem.Document, len(utterances))
	for i, u := range utterances {
		docs[i] = chromem.Document{ID: fmt.Sprintf("%d", i), Content: u}
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return nil, fmt.Errorf("failed to embed utterances: %w", err)
	}

	m.collections[key] = col
	return col, nil
}

// Match returns the closest utterance and its cosine similarity.
func (m *ChromemMatcher) Match(ctx context.Context, message string, utterances []string) (bool, float64, string, error) {
	if strings.TrimSpace(message) == "" || len(utterances) == 0 {
		return false, 0, "", nil
	}

	col, err := m.collectionFor(ctx, utterances)
	if err != nil {
		return false, 0, "", err
	}

	results, err := col.Query(ctx, message, 1, nil, nil)
	if err != nil {
		return false, 0, "", fmt.Errorf("semantic query failed: %w", err)
	}
	if len(results) == 0 {
		return false, 0, "", nil
	}

	best := results[0]
	return true, float64(best.Similarity), best.Content, nil
}
