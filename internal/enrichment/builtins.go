package enrichment

import (
	"fmt"
	"net/http"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/extension"
)

// Builtin provider names.
const (
	TypeAPI      = "api"
	TypeSupabase = "supabase"
)

// Deps are shared by the builtin providers.
type Deps struct {
	HTTPClient *http.Client
	// SupabaseURL and SupabaseKey are used when a tool config omits url and key.
	SupabaseURL string
	SupabaseKey string
}

// RegisterBuiltins adds the builtin providers to reg.
func RegisterBuiltins(reg *extension.Registry[ports.ExternalDataProvider], deps Deps) error {
	builtins := []extension.Factory[ports.ExternalDataProvider]{
		{
			Name:        TypeAPI,
			Position:    1,
			Description: "Fetches the variable from an external HTTP endpoint",
			Validate:    requireKeys("api_endpoint"),
			Create: func(cfg map[string]string) (ports.ExternalDataProvider, error) {
				var headers map[string]string
				if key := cfg["api_key"]; key != "" {
					headers = map[string]string{"Authorization": "Bearer " + key}
				}
				return NewWebhookProvider(cfg["api_endpoint"], headers, deps.HTTPClient), nil
			},
		},
		{
			Name:        TypeSupabase,
			Position:    2,
			Description: "Looks the variable up in a Supabase table",
			Validate:    requireKeys("table", "match_column", "value_column"),
			Create: func(cfg map[string]string) (ports.ExternalDataProvider, error) {
				url, key := cfg["url"], cfg["key"]
				if url == "" {
					url = deps.SupabaseURL
				}
				if key == "" {
					key = deps.SupabaseKey
				}
				return NewSupabaseProvider(url, key, SupabaseLookup{
					Table:       cfg["table"],
					MatchColumn: cfg["match_column"],
					ValueColumn: cfg["value_column"],
					InputKey:    cfg["input_key"],
				})
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

// Bind builds one binding per declared tool, in declaration order.
func Bind(reg *extension.Registry[ports.ExternalDataProvider], tools []domain.ExternalDataTool) ([]Binding, error) {
	bindings := make([]Binding, 0, len(tools))
	for _, tool := range tools {
		if tool.Variable == "" {
			return nil, fmt.Errorf("external data tool %q has no variable", tool.Provider)
		}
		fetcher, err := reg.Create(tool.Provider, tool.Config)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", tool.Variable, err)
		}
		bindings = append(bindings, Binding{
			Variable: tool.Variable,
			Provider: tool.Provider,
			Fetcher:  fetcher,
			Config:   tool.Config,
			Timeout:  tool.Timeout,
		})
	}
	return bindings, nil
}

func requireKeys(keys ...string) func(map[string]string) error {
	return func(cfg map[string]string) error {
		for _, k := range keys {
			if cfg[k] == "" {
				return fmt.Errorf("%s is required", k)
			}
		}
		return nil
	}
}
