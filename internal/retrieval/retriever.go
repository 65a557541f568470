// Package retrieval gathers context passages for a query from the knowledge
// bases an app declares, ranks them across bases, and trims them to the
// context budget.
package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// DefaultTopK applies when an app does not bound retrieval.
const DefaultTopK = 4

// Retriever queries declared knowledge bases and merges their passages.
type Retriever struct {
	mu      sync.RWMutex
	bases   map[string]ports.KnowledgeBase
	counter ports.TokenCounter
	logger  *slog.Logger
}

// NewRetriever creates a retriever. counter measures passages against the
// context budget; nil skips the budget.
func NewRetriever(counter ports.TokenCounter, logger *slog.Logger, bases ...ports.KnowledgeBase) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retriever{
		bases:   make(map[string]ports.KnowledgeBase),
		counter: counter,
		logger:  logger,
	}
	for _, kb := range bases {
		r.Add(kb)
	}
	return r
}

// Add registers a knowledge base, replacing one with the same id.
func (r *Retriever) Add(kb ports.KnowledgeBase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bases[kb.ID()] = kb
}

func (r *Retriever) lookup(id string) (ports.KnowledgeBase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kb, ok := r.bases[id]
	return kb, ok
}

// Request describes one retrieval.
type Request struct {
	Scope          ports.Scope
	KnowledgeBases []string
	Query          string
	// Model selects the tokenizer used for the context budget.
	Model  string
	Config domain.RetrievalConfig
}

// Retrieve searches every declared knowledge base in order. Passages are
// ranked by score, ties going to the earlier declared base, then cut to
// TopK and to the context token budget. Any base that cannot be searched
// fails the whole retrieval.
func (r *Retriever) Retrieve(ctx context.Context, req *Request) (*domain.RetrievedContext, error) {
	if len(req.KnowledgeBases) == 0 || req.Query == "" {
		return &domain.RetrievedContext{}, nil
	}

	topK := req.Config.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	limits := ports.SearchLimits{TopK: topK, ScoreThreshold: req.Config.ScoreThreshold}

	var all []domain.Passage
	for _, id := range req.KnowledgeBases {
		kb, ok := r.lookup(id)
		if !ok {
			return nil, domain.ErrRetrievalUnavailable(id,
				fmt.Errorf("%w: not registered", ports.ErrKnowledgeBaseUnreachable)).WithStage("retrieving")
		}
		passages, err := kb.Search(ctx, req.Query, req.Scope, limits)
		if err != nil {
			return nil, domain.ErrRetrievalUnavailable(id, err).WithStage("retrieving")
		}
		for _, p := range passages {
			if p.Score >= req.Config.ScoreThreshold {
				all = append(all, p)
			}
		}
	}

	// Stable: equal scores keep declaration order.
	slices.SortStableFunc(all, func(a, b domain.Passage) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(all) > topK {
		all = all[:topK]
	}

	out := &domain.RetrievedContext{Passages: all}
	if budget := req.Config.MaxContextTokens; budget > 0 && r.counter != nil {
		used := 0
		for i, p := range all {
			n := r.counter.CountText(req.Model, p.Content)
			if used+n > budget {
				r.logger.Debug("context budget reached",
					slog.Int("kept", i),
					slog.Int("dropped", len(all)-i),
					slog.Int("budget", budget))
				out.Passages = all[:i]
				break
			}
			used += n
		}
		out.Tokens = used
	} else if r.counter != nil {
		for _, p := range all {
			out.Tokens += r.counter.CountText(req.Model, p.Content)
		}
	}
	return out, nil
}
