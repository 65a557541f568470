package moderation

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

const maxKeywords = 100

// KeywordsModerator rejects text containing any configured keyword, ignoring case.
type KeywordsModerator struct {
	keywords []string
}

// NewKeywordsModerator parses a newline separated keyword list. Blank lines are skipped.
func NewKeywordsModerator(list string) *KeywordsModerator {
	var kws []string
	for _, line := range strings.Split(list, "\n") {
		if kw := strings.ToLower(strings.TrimSpace(line)); kw != "" {
			kws = append(kws, kw)
		}
	}
	return &KeywordsModerator{keywords: kws}
}

// Moderate implements ports.Moderator.
func (m *KeywordsModerator) Moderate(_ context.Context, req *ports.ModerationRequest) (domain.ModerationOutcome, error) {
	for _, text := range texts(req) {
		lower := strings.ToLower(text)
		for _, kw := range m.keywords {
			if strings.Contains(lower, kw) {
				return domain.Reject(""), nil
			}
		}
	}
	return domain.Pass(), nil
}

func validateKeywords(cfg map[string]string) error {
	list := strings.TrimSpace(cfg["keywords"])
	if list == "" {
		return fmt.Errorf("keywords is required")
	}
	if n := len(NewKeywordsModerator(list).keywords); n > maxKeywords {
		return fmt.Errorf("too many keywords: %d (max %d)", n, maxKeywords)
	}
	return nil
}

var _ ports.Moderator = (*KeywordsModerator)(nil)
