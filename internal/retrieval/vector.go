package retrieval

import (
	"context"
	"fmt"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs a similarity search against one collection of a vector index.
type Searcher interface {
	Search(ctx context.Context, collection string, vector []float32, scope ports.Scope, limit int, minScore float64) ([]Hit, error)
}

// VectorKnowledgeBase is a knowledge base backed by an embedding model and a vector index.
type VectorKnowledgeBase struct {
	id         string
	collection string
	strategy   Strategy
	embedder   Embedder
	searcher   Searcher
}

// NewVectorKnowledgeBase creates a knowledge base. An empty collection defaults to the id.
func NewVectorKnowledgeBase(id, collection string, strategy Strategy, embedder Embedder, searcher Searcher) *VectorKnowledgeBase {
	if collection == "" {
		collection = id
	}
	if strategy == nil {
		strategy = ParagraphStrategy{}
	}
	return &VectorKnowledgeBase{
		id:         id,
		collection: collection,
		strategy:   strategy,
		embedder:   embedder,
		searcher:   searcher,
	}
}

// ID implements ports.KnowledgeBase.
func (kb *VectorKnowledgeBase) ID() string {
	return kb.id
}

// Search implements ports.KnowledgeBase.
func (kb *VectorKnowledgeBase) Search(ctx context.Context, query string, scope ports.Scope, limits ports.SearchLimits) ([]domain.Passage, error) {
	vector, err := kb.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ports.ErrKnowledgeBaseUnreachable, err)
	}

	limit := limits.TopK
	if limit <= 0 {
		limit = DefaultTopK
	}
	// Several children can share a parent, so over-fetch before grouping.
	if kb.strategy.Name() == StrategyParentChild {
		limit *= 3
	}

	hits, err := kb.searcher.Search(ctx, kb.collection, vector, scope, limit, limits.ScoreThreshold)
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %w", ports.ErrKnowledgeBaseUnreachable, kb.collection, err)
	}
	return kb.strategy.Shape(kb.id, hits), nil
}

var _ ports.KnowledgeBase = (*VectorKnowledgeBase)(nil)
