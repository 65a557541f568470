package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/polyglot-app-runner/internal/backend/anthropic"
	"github.com/tjfontaine/polyglot-app-runner/internal/backend/openai"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/enrichment"
	"github.com/tjfontaine/polyglot-app-runner/internal/extension"
	"github.com/tjfontaine/polyglot-app-runner/internal/moderation"
	"github.com/tjfontaine/polyglot-app-runner/internal/pkg/config"
	"github.com/tjfontaine/polyglot-app-runner/internal/queue"
	"github.com/tjfontaine/polyglot-app-runner/internal/retrieval"
	"github.com/tjfontaine/polyglot-app-runner/internal/storage/sqldb"
)

// StorageDriverNone disables the SQL database. Annotations, run records and
// SQL-backed memory are then unavailable.
const StorageDriverNone = "none"

const redisPingTimeout = 5 * time.Second

// openStores opens the database, redis and qdrant connections that were not
// injected through options.
func (s *Service) openStores(ctx context.Context, cfg *config.Config) error {
	if s.db == nil && cfg.Storage.Driver != StorageDriverNone {
		if err := ensureSQLiteDir(cfg.Storage); err != nil {
			return err
		}
		db, err := sqldb.Open(sqldb.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
		if err != nil {
			return fmt.Errorf("open %s database: %w", cfg.Storage.Driver, err)
		}
		s.db = db
		s.own("database", db.Close)
		s.logger.Info("database opened", slog.String("driver", cfg.Storage.Driver))
	}

	if s.redis == nil && cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			client.Close()
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		s.redis = client
		s.own("redis", client.Close)
		s.logger.Info("redis connected", slog.String("addr", cfg.Redis.Addr))
	}

	if s.searcher == nil && cfg.Qdrant.URL != "" {
		searcher, err := retrieval.NewQdrantSearcher(retrieval.QdrantConfig{
			URL:    cfg.Qdrant.URL,
			APIKey: cfg.Qdrant.APIKey,
		})
		if err != nil {
			return fmt.Errorf("connect qdrant: %w", err)
		}
		s.searcher = searcher
		s.own("qdrant", searcher.Close)
	}

	if s.embedder == nil && s.searcher != nil {
		var opts []option.RequestOption
		if key := embeddingAPIKey(cfg); key != "" {
			opts = append(opts, option.WithAPIKey(key))
		}
		if p, ok := findProvider(cfg, cfg.Embedding.Provider); ok && p.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(p.BaseURL))
		}
		s.embedder = retrieval.NewOpenAIEmbedder(cfg.Embedding.Model, cfg.Embedding.Dimensions, opts...)
	}
	return nil
}

// ensureSQLiteDir creates the parent directory of a sqlite database file.
func ensureSQLiteDir(st config.StorageConfig) error {
	if st.Driver != "sqlite" || st.DSN == "" || strings.Contains(st.DSN, ":memory:") || strings.HasPrefix(st.DSN, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(st.DSN), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

func (s *Service) own(name string, fn func() error) {
	s.owned = append(s.owned, closer{name: name, close: fn})
}

// initRegistries registers the builtin moderators, data providers and
// backend types against the current config.
func (s *Service) initRegistries(cfg *config.Config) error {
	moderators := extension.NewRegistry[ports.Moderator]()
	if err := moderation.RegisterBuiltins(moderators, moderation.Deps{
		OpenAIAPIKey: openAIKey(cfg),
		HTTPClient:   s.httpClient,
		Logger:       s.logger,
	}); err != nil {
		return fmt.Errorf("register moderators: %w", err)
	}

	providers := extension.NewRegistry[ports.ExternalDataProvider]()
	if err := enrichment.RegisterBuiltins(providers, enrichment.Deps{
		HTTPClient:  s.httpClient,
		SupabaseURL: cfg.Supabase.URL,
		SupabaseKey: cfg.Supabase.Key,
	}); err != nil {
		return fmt.Errorf("register data providers: %w", err)
	}

	backends := extension.NewRegistry[ports.ModelBackend]()
	for _, f := range []extension.Factory[ports.ModelBackend]{
		openai.Factory(nil),
		anthropic.Factory(nil),
	} {
		if err := backends.Register(f); err != nil {
			return fmt.Errorf("register backends: %w", err)
		}
	}

	s.moderators = moderators
	s.providers = providers
	s.backends = backends
	return nil
}

// initQueues creates the queue manager. Stop flags are shared through redis
// when it is configured so that any replica can stop a task.
func (s *Service) initQueues(cfg *config.Config) {
	opts := queue.DefaultOptions()
	if cfg.Queue.Capacity > 0 {
		opts.Capacity = cfg.Queue.Capacity
	}
	if cfg.Queue.PingInterval > 0 {
		opts.PingInterval = cfg.Queue.PingInterval
	}
	if cfg.Queue.ListenTimeout > 0 {
		opts.ListenTimeout = cfg.Queue.ListenTimeout
	}
	opts.Logger = s.logger

	if s.redis != nil {
		opts.Flags = queue.NewRedisFlags(s.redis, cfg.Redis.Prefix+"stop:")
	} else {
		opts.Flags = queue.NewMemoryFlags()
	}

	s.queues = queue.NewManager(queue.ManagerOptions{
		Queue:       opts,
		StopFlagTTL: cfg.Queue.StopFlagTTL,
		Retention:   cfg.Queue.Retention,
		Logger:      s.logger,
	})
}

func findProvider(cfg *config.Config, name string) (config.ProviderConfig, bool) {
	for _, p := range cfg.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return config.ProviderConfig{}, false
}

// openAIKey returns the key of the first openai provider, used by the
// openai_moderation moderator when its own config has none.
func openAIKey(cfg *config.Config) string {
	for _, p := range cfg.Providers {
		if p.Type == openai.ProviderType {
			return p.APIKey
		}
	}
	return ""
}

func embeddingAPIKey(cfg *config.Config) string {
	if p, ok := findProvider(cfg, cfg.Embedding.Provider); ok {
		return p.APIKey
	}
	return openAIKey(cfg)
}
