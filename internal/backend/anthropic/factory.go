package anthropic

import (
	"net/http"
	"strconv"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/extension"
)

// Factory registers the backend under ProviderType. Config keys: api_key,
// base_url, max_retries.
func Factory(client *http.Client) extension.Factory[ports.ModelBackend] {
	return extension.Factory[ports.ModelBackend]{
		Name:        ProviderType,
		Position:    2,
		Description: "Anthropic Messages API",
		Create: func(cfg map[string]string) (ports.ModelBackend, error) {
			var opts []BackendOption
			if cfg["base_url"] != "" {
				opts = append(opts, WithBaseURL(cfg["base_url"]))
			}
			if client != nil {
				opts = append(opts, WithHTTPClient(client))
			}
			if v := cfg["max_retries"]; v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, err
				}
				opts = append(opts, WithMaxRetries(n))
			}
			return New(cfg["api_key"], opts...), nil
		},
	}
}
