// Package moderation screens request content before generation. A Stage binds
// one app's moderation settings to a Moderator built from the registration
// table; the moderators themselves live alongside it.
package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// DefaultRejection is shown when neither the moderator nor the app supplies a message.
const DefaultRejection = "Your content violates our usage policy. Please revise and try again."

// Stage applies an app's moderation configuration around a moderator.
type Stage struct {
	cfg       domain.ModerationConfig
	moderator ports.Moderator
	logger    *slog.Logger
}

// NewStage creates a stage. A nil moderator or a disabled config makes every check pass.
func NewStage(cfg domain.ModerationConfig, moderator ports.Moderator, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{cfg: cfg, moderator: moderator, logger: logger}
}

// Enabled reports whether input moderation runs.
func (s *Stage) Enabled() bool {
	return s != nil && s.cfg.Enabled && s.moderator != nil
}

// Check screens the request inputs and query. A flagged outcome carries the
// complete replacement inputs and query; a rejected one carries the text to
// show the user.
func (s *Stage) Check(ctx context.Context, scope ports.Scope, inputs map[string]string, query string) (domain.ModerationOutcome, error) {
	if !s.Enabled() {
		return domain.Pass(), nil
	}

	req := &ports.ModerationRequest{
		TenantID: scope.TenantID,
		AppID:    scope.AppID,
		Config:   s.cfg.Config,
	}
	if s.cfg.CheckInputs {
		req.Inputs = inputs
	}
	if s.cfg.CheckQuery {
		req.Query = query
	}
	if len(req.Inputs) == 0 && req.Query == "" {
		return domain.Pass(), nil
	}

	out, err := s.moderator.Moderate(ctx, req)
	if err != nil {
		return domain.ModerationOutcome{}, fmt.Errorf("moderate input: %w", err)
	}

	switch out.Verdict {
	case domain.ModerationRejected:
		s.logger.Info("input rejected by moderation",
			slog.String("app_id", scope.AppID),
			slog.String("type", s.cfg.Type))
		return domain.Reject(s.rejection(out.Message)), nil
	case domain.ModerationFlagged:
		merged := maps.Clone(inputs)
		if merged == nil {
			merged = make(map[string]string)
		}
		if s.cfg.CheckInputs {
			for k, v := range out.Inputs {
				if _, ok := merged[k]; ok {
					merged[k] = v
				}
			}
		}
		rewritten := query
		if s.cfg.CheckQuery && out.Query != "" {
			rewritten = out.Query
		}
		return domain.Rewrite(merged, rewritten), nil
	default:
		return domain.Pass(), nil
	}
}

// CheckPrompt runs hosting moderation over the assembled prompt text. It only
// ever passes or rejects.
func (s *Stage) CheckPrompt(ctx context.Context, scope ports.Scope, prompt domain.Prompt) (domain.ModerationOutcome, error) {
	if !s.Enabled() || !s.cfg.Hosting {
		return domain.Pass(), nil
	}

	var b strings.Builder
	for _, m := range prompt.Messages {
		if text := m.Text(); text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(text)
		}
	}
	if b.Len() == 0 {
		return domain.Pass(), nil
	}

	out, err := s.moderator.Moderate(ctx, &ports.ModerationRequest{
		TenantID: scope.TenantID,
		AppID:    scope.AppID,
		Query:    b.String(),
		Config:   s.cfg.Config,
	})
	if err != nil {
		return domain.ModerationOutcome{}, fmt.Errorf("moderate prompt: %w", err)
	}
	if out.Verdict == domain.ModerationPass {
		return domain.Pass(), nil
	}
	return domain.Reject(s.rejection("")), nil
}

func (s *Stage) rejection(fromModerator string) string {
	if s.cfg.PresetResponse != "" {
		return s.cfg.PresetResponse
	}
	if fromModerator != "" {
		return fromModerator
	}
	return DefaultRejection
}

// texts returns the query followed by input values in key order.
func texts(req *ports.ModerationRequest) []string {
	var out []string
	if req.Query != "" {
		out = append(out, req.Query)
	}
	for _, k := range slices.Sorted(maps.Keys(req.Inputs)) {
		if v := req.Inputs[k]; v != "" {
			out = append(out, v)
		}
	}
	return out
}
