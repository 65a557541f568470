package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/polyglot-app-runner/internal/adapters/config/file"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/pkg/safehttp"
	"github.com/tjfontaine/polyglot-app-runner/internal/retrieval"
	"github.com/tjfontaine/polyglot-app-runner/internal/storage/sqldb"
)

// Option is a functional option for configuring a Service.
type Option func(*Service) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(s *Service) error {
		provider, err := file.NewProvider(path, s.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		s.config = provider
		return nil
	}
}

// WithConfigSource sets a custom config source.
// For advanced use cases where you need full control over config loading.
func WithConfigSource(source ConfigSource) Option {
	return func(s *Service) error {
		s.config = source
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}

// WithHTTPClient sets the client used by webhook moderators and data providers.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) error {
		s.httpClient = client
		return nil
	}
}

// WithSafeWebhooks makes webhook moderators and data providers refuse to
// connect to private, loopback and link-local addresses.
func WithSafeWebhooks() Option {
	return func(s *Service) error {
		s.httpClient = safehttp.NewClient(0)
		return nil
	}
}

// WithDatabase uses an already opened database instead of storage.dsn.
// The caller keeps ownership and closes it.
func WithDatabase(db *sqldb.DB) Option {
	return func(s *Service) error {
		s.db = db
		return nil
	}
}

// WithRedisClient uses an existing redis client instead of redis.addr.
// The caller keeps ownership and closes it.
func WithRedisClient(client *redis.Client) Option {
	return func(s *Service) error {
		s.redis = client
		return nil
	}
}

// WithVectorSearch replaces the qdrant searcher and openai embedder that back
// configured knowledge bases.
func WithVectorSearch(embedder retrieval.Embedder, searcher retrieval.Searcher) Option {
	return func(s *Service) error {
		s.embedder = embedder
		s.searcher = searcher
		return nil
	}
}

// WithBackend serves the named provider with b instead of building it from
// the provider config.
func WithBackend(name string, b ports.ModelBackend) Option {
	return func(s *Service) error {
		if name == "" {
			return fmt.Errorf("backend name cannot be empty")
		}
		s.backendOverrides[name] = b
		return nil
	}
}

// WithHooks adds post-run hooks to every app.
func WithHooks(hooks ...ports.RunHook) Option {
	return func(s *Service) error {
		s.extraHooks = append(s.extraHooks, hooks...)
		return nil
	}
}

// WithoutHTTPServer skips listening. The API is still available through Handler.
func WithoutHTTPServer() Option {
	return func(s *Service) error {
		s.listen = false
		return nil
	}
}
