package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
)

// OpenAICounter counts tokens exactly for OpenAI chat models using tiktoken.
type OpenAICounter struct {
	matcher *ModelMatcher

	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewOpenAICounter creates a tiktoken-backed counter.
func NewOpenAICounter() *OpenAICounter {
	return &OpenAICounter{
		matcher: NewModelMatcher(
			// "o1".."o4" cover the reasoning families.
			[]string{"gpt-", "o1", "o3", "o4", "text-embedding"},
			nil,
		),
		codecs: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// SupportsModel reports whether model uses an OpenAI tokenizer.
func (c *OpenAICounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

// CountMessages counts a prompt with chat framing.
func (c *OpenAICounter) CountMessages(_ context.Context, model string, msgs []domain.PromptMessage) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	return countMessages(msgs, func(s string) int { return encodeLen(codec, s) }), nil
}

// CountText counts a bare string. Tokenizer failures fall back to the estimate.
func (c *OpenAICounter) CountText(model, text string) int {
	codec, err := c.codec(model)
	if err != nil {
		return EstimateTokens(text)
	}
	return encodeLen(codec, text)
}

func encodeLen(codec tokenizer.Codec, s string) int {
	if s == "" {
		return 0
	}
	ids, _, err := codec.Encode(s)
	if err != nil {
		return EstimateTokens(s)
	}
	return len(ids)
}

// codec resolves the encoding for model and caches it.
func (c *OpenAICounter) codec(model string) (tokenizer.Codec, error) {
	enc := encodingFor(model)

	c.mu.RLock()
	cached, ok := c.codecs[enc]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer encoding %s: %w", enc, err)
	}

	c.mu.Lock()
	c.codecs[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// encodingFor maps a model to its tiktoken encoding. Unknown and future models
// use o200k_base.
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
