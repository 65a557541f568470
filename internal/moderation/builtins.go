package moderation

import (
	"log/slog"
	"net/http"

	"github.com/openai/openai-go/option"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/extension"
)

// Builtin moderator names.
const (
	TypeKeywords = "keywords"
	TypeOpenAI   = "openai_moderation"
	TypeAPI      = "api"
)

// Deps are shared by the builtin moderators.
type Deps struct {
	// OpenAIAPIKey is used by openai_moderation when the app config has no api_key.
	OpenAIAPIKey string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// RegisterBuiltins adds the builtin moderators to reg.
func RegisterBuiltins(reg *extension.Registry[ports.Moderator], deps Deps) error {
	builtins := []extension.Factory[ports.Moderator]{
		{
			Name:        TypeKeywords,
			Position:    1,
			Description: "Rejects content containing any configured keyword",
			Validate:    validateKeywords,
			Create: func(cfg map[string]string) (ports.Moderator, error) {
				return NewKeywordsModerator(cfg["keywords"]), nil
			},
		},
		{
			Name:        TypeOpenAI,
			Position:    2,
			Description: "Rejects content flagged by the OpenAI moderation endpoint",
			Create: func(cfg map[string]string) (ports.Moderator, error) {
				var opts []option.RequestOption
				key := cfg["api_key"]
				if key == "" {
					key = deps.OpenAIAPIKey
				}
				if key != "" {
					opts = append(opts, option.WithAPIKey(key))
				}
				if base := cfg["base_url"]; base != "" {
					opts = append(opts, option.WithBaseURL(base))
				}
				if deps.HTTPClient != nil {
					opts = append(opts, option.WithHTTPClient(deps.HTTPClient))
				}
				return NewOpenAIModerator(cfg["model"], opts...), nil
			},
		},
		{
			Name:        TypeAPI,
			Position:    3,
			Description: "Delegates moderation to an external HTTP endpoint",
			Validate:    validateWebhook,
			Create: func(cfg map[string]string) (ports.Moderator, error) {
				return webhookFromConfig(cfg, deps.HTTPClient, deps.Logger)
			},
		},
	}

	for _, f := range builtins {
		if err := reg.Register(f); err != nil {
			return err
		}
	}
	return nil
}
