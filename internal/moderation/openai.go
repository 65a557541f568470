package moderation

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// OpenAIModerator rejects text the OpenAI moderation endpoint flags.
type OpenAIModerator struct {
	client openai.Client
	model  string
}

// NewOpenAIModerator creates a moderator. An empty model uses omni-moderation-latest.
func NewOpenAIModerator(model string, opts ...option.RequestOption) *OpenAIModerator {
	if model == "" {
		model = openai.ModerationModelOmniModerationLatest
	}
	return &OpenAIModerator{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Moderate implements ports.Moderator.
func (m *OpenAIModerator) Moderate(ctx context.Context, req *ports.ModerationRequest) (domain.ModerationOutcome, error) {
	text := strings.Join(texts(req), "\n")
	if text == "" {
		return domain.Pass(), nil
	}

	resp, err := m.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(text)},
		Model: m.model,
	})
	if err != nil {
		return domain.ModerationOutcome{}, fmt.Errorf("openai moderation: %w", err)
	}

	for _, r := range resp.Results {
		if r.Flagged {
			return domain.Reject(""), nil
		}
	}
	return domain.Pass(), nil
}

var _ ports.Moderator = (*OpenAIModerator)(nil)
