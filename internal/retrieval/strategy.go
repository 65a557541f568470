package retrieval

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
)

// Metadata keys written by the indexers.
const (
	MetaParentID      = "parent_id"
	MetaParentContent = "parent_content"
	MetaAnswer        = "answer"
)

// Strategy names.
const (
	StrategyParagraph   = "paragraph"
	StrategyParentChild = "parent_child"
	StrategyQA          = "qa"
)

// Hit is one raw match from an index, before it is shaped into a passage.
type Hit struct {
	ID         string
	DocumentID string
	Content    string
	Score      float64
	Metadata   map[string]any
}

func (h Hit) meta(key string) string {
	s, _ := h.Metadata[key].(string)
	return s
}

// Strategy turns the raw hits of one knowledge base into passages, best first.
// Each indexing scheme stores its segments differently; the retriever only
// ever sees passages.
type Strategy interface {
	Name() string
	Shape(kbID string, hits []Hit) []domain.Passage
}

// StrategyFor returns the strategy registered under name.
func StrategyFor(name string) (Strategy, error) {
	switch name {
	case "", StrategyParagraph:
		return ParagraphStrategy{}, nil
	case StrategyParentChild:
		return ParentChildStrategy{}, nil
	case StrategyQA:
		return QAStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown retrieval strategy %q", name)
	}
}

// ParagraphStrategy returns each indexed chunk as its own passage.
type ParagraphStrategy struct{}

func (ParagraphStrategy) Name() string { return StrategyParagraph }

func (ParagraphStrategy) Shape(kbID string, hits []Hit) []domain.Passage {
	out := make([]domain.Passage, 0, len(hits))
	for _, h := range hits {
		out = append(out, passage(kbID, h, h.ID, h.Content))
	}
	sortPassages(out)
	return out
}

// ParentChildStrategy matches on small child chunks but returns their parent
// chunk, once per parent, scored by its best child.
type ParentChildStrategy struct{}

func (ParentChildStrategy) Name() string { return StrategyParentChild }

func (ParentChildStrategy) Shape(kbID string, hits []Hit) []domain.Passage {
	type group struct {
		passage  domain.Passage
		children []string
	}
	var order []string
	groups := make(map[string]*group)

	for _, h := range hits {
		parent := h.meta(MetaParentID)
		if parent == "" {
			parent = h.ID
		}
		g, ok := groups[parent]
		if !ok {
			g = &group{passage: passage(kbID, h, parent, h.meta(MetaParentContent))}
			groups[parent] = g
			order = append(order, parent)
		}
		g.children = append(g.children, h.Content)
		if h.Score > g.passage.Score {
			g.passage.Score = h.Score
		}
	}

	out := make([]domain.Passage, 0, len(order))
	for _, id := range order {
		g := groups[id]
		if g.passage.Content == "" {
			g.passage.Content = strings.Join(g.children, "\n")
		}
		out = append(out, g.passage)
	}
	sortPassages(out)
	return out
}

// QAStrategy matches on generated questions and returns question and answer together.
type QAStrategy struct{}

func (QAStrategy) Name() string { return StrategyQA }

func (QAStrategy) Shape(kbID string, hits []Hit) []domain.Passage {
	out := make([]domain.Passage, 0, len(hits))
	for _, h := range hits {
		content := h.Content
		if answer := h.meta(MetaAnswer); answer != "" {
			content = "Q: " + h.Content + "\nA: " + answer
		}
		out = append(out, passage(kbID, h, h.ID, content))
	}
	sortPassages(out)
	return out
}

func passage(kbID string, h Hit, segmentID, content string) domain.Passage {
	return domain.Passage{
		KnowledgeBaseID: kbID,
		DocumentID:      h.DocumentID,
		SegmentID:       segmentID,
		Content:         content,
		Score:           h.Score,
		Metadata:        h.Metadata,
	}
}

func sortPassages(ps []domain.Passage) {
	slices.SortStableFunc(ps, func(a, b domain.Passage) int {
		return cmp.Compare(b.Score, a.Score)
	})
}
