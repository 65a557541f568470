// Package annotation answers queries from curated question/answer pairs before
// any model is involved.
package annotation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// Lookup applies the app's score threshold and tie-break rules to store candidates.
type Lookup struct {
	store  ports.AnnotationStore
	logger *slog.Logger
}

// NewLookup creates a lookup over store.
func NewLookup(store ports.AnnotationStore, logger *slog.Logger) *Lookup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lookup{store: store, logger: logger}
}

// Find returns the selected annotation, or nil when none passes the threshold.
func (l *Lookup) Find(ctx context.Context, query string, scope ports.Scope, threshold float64) (*domain.AnnotationMatch, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	candidates, err := l.store.Find(ctx, query, scope)
	if err != nil {
		return nil, fmt.Errorf("annotation lookup: %w", err)
	}

	var eligible []domain.AnnotationMatch
	for _, c := range candidates {
		if c.Exact || c.Score >= threshold {
			eligible = append(eligible, c)
		}
	}
	best, ok := Best(eligible)
	if !ok {
		return nil, nil
	}
	l.logger.Debug("annotation matched",
		slog.String("annotation_id", best.ID),
		slog.Float64("score", best.Score),
		slog.Bool("exact", best.Exact))
	return &best, nil
}

// Best picks one candidate: a literal match beats a normalized exact one, which
// beats any fuzzy one. Then the highest score wins, then the earliest candidate
// in input order.
func Best(candidates []domain.AnnotationMatch) (domain.AnnotationMatch, bool) {
	if len(candidates) == 0 {
		return domain.AnnotationMatch{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best, true
}

// Rank orders candidates best first without disturbing the relative order of ties.
func Rank(candidates []domain.AnnotationMatch) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return better(candidates[i], candidates[j])
	})
}

func better(a, b domain.AnnotationMatch) bool {
	if pa, pb := precedence(a), precedence(b); pa != pb {
		return pa > pb
	}
	return a.Score > b.Score
}

func precedence(m domain.AnnotationMatch) int {
	switch {
	case m.Literal:
		return 2
	case m.Exact:
		return 1
	default:
		return 0
	}
}

// Normalize folds case, drops punctuation, and collapses whitespace.
func Normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// Similarity is the Dice coefficient over character bigrams of the normalized
// strings. Identical normalized strings score 1.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	ga, gb := bigrams(na), bigrams(nb)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}

	counts := make(map[string]int, len(ga))
	for _, g := range ga {
		counts[g]++
	}
	shared := 0
	for _, g := range gb {
		if counts[g] > 0 {
			counts[g]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ga)+len(gb))
}

func bigrams(s string) []string {
	runes := []rune(s)
	if len(runes) < 2 {
		return nil
	}
	out := make([]string, 0, len(runes)-1)
	for i := 0; i < len(runes)-1; i++ {
		out = append(out, string(runes[i:i+2]))
	}
	return out
}
