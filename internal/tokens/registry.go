// Package tokens measures prompts in model tokens. Exact tokenizers are used where
// one is known for the model, and a Unicode-aware estimate otherwise.
package tokens

import (
	"context"
	"strings"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

const (
	// Chat framing overhead: every message costs a few tokens beyond its content,
	// and the reply is primed with a few more.
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3

	// MessageOverhead is what one more text message adds to a prompt count
	// beyond its content.
	MessageOverhead = tokensPerMessage + tokensPerRole

	// Flat image costs for low and high detail.
	lowDetailImageTokens  = 85
	highDetailImageTokens = 765
)

// Counter is a model-specific token counter.
type Counter interface {
	SupportsModel(model string) bool
	CountMessages(ctx context.Context, model string, msgs []domain.PromptMessage) (int, error)
	CountText(model, text string) int
}

// Registry dispatches to the first registered counter that supports a model and
// falls back to an Estimator.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the estimator fallback and no exact counters.
func NewRegistry(counters ...Counter) *Registry {
	return &Registry{
		counters: counters,
		fallback: NewEstimator(),
	}
}

// NewDefaultRegistry returns a registry with the tiktoken counter registered.
func NewDefaultRegistry() *Registry {
	return NewRegistry(NewOpenAICounter())
}

// Register adds a counter. Earlier registrations win.
func (r *Registry) Register(c Counter) {
	r.counters = append(r.counters, c)
}

// SetFallback replaces the estimator.
func (r *Registry) SetFallback(c Counter) {
	r.fallback = c
}

// CounterFor returns the counter used for model.
func (r *Registry) CounterFor(model string) Counter {
	for _, c := range r.counters {
		if c.SupportsModel(model) {
			return c
		}
	}
	return r.fallback
}

// CountMessages counts a full prompt including framing overhead.
func (r *Registry) CountMessages(ctx context.Context, model string, msgs []domain.PromptMessage) (int, error) {
	return r.CounterFor(model).CountMessages(ctx, model, msgs)
}

// CountText counts a bare string.
func (r *Registry) CountText(model, text string) int {
	return r.CounterFor(model).CountText(model, text)
}

var _ ports.TokenCounter = (*Registry)(nil)

// Estimator approximates token counts without a tokenizer. ASCII runs at about
// four characters per token, other scripts at about one character per token.
type Estimator struct{}

// NewEstimator creates the fallback estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// SupportsModel is true for every model.
func (e *Estimator) SupportsModel(string) bool {
	return true
}

// CountText estimates tokens in text.
func (e *Estimator) CountText(_ string, text string) int {
	return EstimateTokens(text)
}

// CountMessages estimates a prompt using the same framing rules as exact counters.
func (e *Estimator) CountMessages(_ context.Context, model string, msgs []domain.PromptMessage) (int, error) {
	return countMessages(msgs, func(s string) int { return e.CountText(model, s) }), nil
}

// EstimateTokens is the Unicode-aware heuristic used by Estimator.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}

// countMessages applies chat framing around per-part counts.
func countMessages(msgs []domain.PromptMessage, count func(string) int) int {
	if len(msgs) == 0 {
		return 0
	}
	total := 0
	for _, m := range msgs {
		total += tokensPerMessage + tokensPerRole
		for _, p := range m.Parts {
			switch p.Type {
			case domain.ContentTypeText:
				total += count(p.Text)
			case domain.ContentTypeImage:
				if p.Detail == domain.ImageDetailHigh {
					total += highDetailImageTokens
				} else {
					total += lowDetailImageTokens
				}
			case domain.ContentTypeFile:
				total += count(p.URL)
			}
		}
	}
	return total + replyPriming
}

// ModelMatcher matches model names by exact name or prefix.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

// Matches reports whether model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
