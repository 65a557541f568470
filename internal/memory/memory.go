// Package memory loads a token-bounded window of prior conversation turns and
// records new ones after a run.
package memory

import (
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/tokens"
)

// MeasureFunc counts tokens in a string.
type MeasureFunc func(string) int

// DefaultMeasure is the estimate used when a store has no exact counter.
func DefaultMeasure(s string) int {
	return tokens.EstimateTokens(s)
}

// Truncate keeps the most recent turns. The message limit applies first, then
// the oldest turns are dropped until the rest fits tokenLimit. A turn costs its
// measured content plus tokens.MessageOverhead, the same framing prompt counts
// charge for it. Non-positive limits disable the respective bound, except that
// a zero token limit yields no turns.
func Truncate(turns []domain.Turn, tokenLimit, messageLimit int, measure MeasureFunc) []domain.Turn {
	if len(turns) == 0 {
		return nil
	}
	if measure == nil {
		measure = DefaultMeasure
	}
	if messageLimit > 0 && len(turns) > messageLimit {
		turns = turns[len(turns)-messageLimit:]
	}
	if tokenLimit < 0 {
		return turns
	}

	costs := make([]int, len(turns))
	total := 0
	for i, t := range turns {
		costs[i] = tokens.MessageOverhead + measure(t.Content)
		total += costs[i]
	}
	for len(turns) > 0 && total > tokenLimit {
		total -= costs[0]
		costs = costs[1:]
		turns = turns[1:]
	}

	// A window never opens on an assistant reply.
	for len(turns) > 0 && turns[0].Role == domain.RoleAssistant {
		turns = turns[1:]
	}
	if len(turns) == 0 {
		return nil
	}
	return turns
}

// Budget computes the token room for memory: the smaller of the configured cap
// and what the window leaves after the prompt without memory and the output.
// It returns -1 when neither bound is known.
func Budget(configured, window, maxOutput, promptWithoutMemory int) int {
	if window <= 0 {
		if configured <= 0 {
			return -1
		}
		return configured
	}
	left := window - maxOutput - promptWithoutMemory
	if left < 0 {
		left = 0
	}
	if configured > 0 && configured < left {
		return configured
	}
	return left
}
