package runtime

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/tjfontaine/polyglot-app-runner/internal/annotation"
	"github.com/tjfontaine/polyglot-app-runner/internal/auth"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/enrichment"
	"github.com/tjfontaine/polyglot-app-runner/internal/memory"
	"github.com/tjfontaine/polyglot-app-runner/internal/moderation"
	"github.com/tjfontaine/polyglot-app-runner/internal/pkg/config"
	"github.com/tjfontaine/polyglot-app-runner/internal/retrieval"
	"github.com/tjfontaine/polyglot-app-runner/internal/runner"
	"github.com/tjfontaine/polyglot-app-runner/internal/storage/sqldb"
)

// Memory store names accepted in apps[].memory.store.
const (
	MemoryStoreSQL   = "sql"
	MemoryStoreRedis = "redis"
)

// buildRunners creates one runner per configured app. Collaborators that
// hold no per-app state are shared between them.
func (s *Service) buildRunners(cfg *config.Config) (map[string]*runner.Runner, error) {
	backends, err := s.backendRegistry(cfg)
	if err != nil {
		return nil, err
	}
	retriever, err := s.buildRetriever(cfg)
	if err != nil {
		return nil, err
	}
	enricher := enrichment.New(
		enrichment.WithConcurrency(cfg.Enrichment.Concurrency),
		enrichment.WithTimeout(cfg.Enrichment.Timeout),
		enrichment.WithLogger(s.logger),
	)

	var (
		lookup      *annotation.Lookup
		hits        ports.RunHook
		commonHooks []ports.RunHook
	)
	if s.db != nil {
		store := annotation.NewSQLStore(s.db)
		lookup = annotation.NewLookup(store, s.logger)
		hits = annotation.NewHitRecorder(store)
		commonHooks = append(commonHooks, sqldb.NewRunRecorder(s.db))
	}
	commonHooks = append(commonHooks, s.extraHooks...)

	runners := make(map[string]*runner.Runner, len(cfg.Apps))

	for _, a := range cfg.Apps {
		app := toDomainApp(a)
		logger := s.logger.With(slog.String("app_id", app.ID))

		b, err := backends.Get(app.Model.Provider)
		if err != nil {
			return nil, fmt.Errorf("app %q: %w", app.ID, err)
		}
		bindings, err := enrichment.Bind(s.providers, app.ExternalData)
		if err != nil {
			return nil, fmt.Errorf("app %q: %w", app.ID, err)
		}

		hooks := append([]ports.RunHook(nil), commonHooks...)
		opts := []runner.Option{
			runner.WithLogger(logger),
			runner.WithTokenCounter(s.counter),
			runner.WithRetriever(retriever),
			runner.WithEnrichment(enricher, bindings),
		}

		if app.Moderation.Enabled {
			mod, err := s.moderators.Create(app.Moderation.Type, app.Moderation.Config)
			if err != nil {
				return nil, fmt.Errorf("app %q: moderation: %w", app.ID, err)
			}
			opts = append(opts, runner.WithModeration(moderation.NewStage(app.Moderation, mod, logger)))
		}

		if app.Annotation.Enabled {
			if lookup == nil {
				return nil, fmt.Errorf("app %q: annotations require a database", app.ID)
			}
			opts = append(opts, runner.WithAnnotations(lookup))
			hooks = append(hooks, hits)
		}

		if app.Memory.Enabled {
			store, err := s.memoryStore(cfg, a.Memory.Store, app.Model.Name)
			if err != nil {
				return nil, fmt.Errorf("app %q: memory: %w", app.ID, err)
			}
			opts = append(opts, runner.WithMemory(store))
			hooks = append(hooks, memory.NewRecorder(store))
		}

		opts = append(opts, runner.WithHooks(hooks...))
		runners[app.ID] = runner.New(app, b, opts...)
	}
	return runners, nil
}

// buildRetriever registers every configured knowledge base. Bases cannot be
// searched without a vector store; apps that use them then fail at retrieval.
func (s *Service) buildRetriever(cfg *config.Config) (*retrieval.Retriever, error) {
	r := retrieval.NewRetriever(s.counter, s.logger)
	for _, kb := range cfg.KnowledgeBases {
		strategy, err := retrieval.StrategyFor(kb.Strategy)
		if err != nil {
			return nil, fmt.Errorf("knowledge base %q: %w", kb.ID, err)
		}
		if s.searcher == nil || s.embedder == nil {
			s.logger.Warn("knowledge base has no vector store configured",
				slog.String("knowledge_base", kb.ID))
			continue
		}
		r.Add(retrieval.NewVectorKnowledgeBase(kb.ID, kb.Collection, strategy, s.embedder, s.searcher))
	}
	return r, nil
}

// memoryStore returns the conversation store named by kind. Stored text is
// measured with the app model's tokenizer.
func (s *Service) memoryStore(cfg *config.Config, kind, model string) (ports.MemoryStore, error) {
	measure := func(text string) int { return s.counter.CountText(model, text) }

	switch kind {
	case "", MemoryStoreSQL:
		if s.db == nil {
			return nil, fmt.Errorf("sql memory requires a database")
		}
		return memory.NewSQLStore(s.db, measure), nil
	case MemoryStoreRedis:
		if s.redis == nil {
			return nil, fmt.Errorf("redis memory requires redis.addr")
		}
		return memory.NewRedisStore(s.redis, memory.RedisOptions{
			Prefix:  cfg.Redis.Prefix + "conversation:",
			Measure: measure,
		}), nil
	default:
		return nil, fmt.Errorf("unknown memory store %q", kind)
	}
}

// appAuthenticator collects the key hashes of every app in cfg.
func appAuthenticator(cfg *config.Config) *auth.Authenticator {
	keys := make(map[string][]string)
	for _, a := range cfg.Apps {
		for _, k := range a.APIKeys {
			keys[a.ID] = append(keys[a.ID], k.KeyHash)
		}
	}
	return auth.NewAuthenticator(keys)
}

func toDomainApp(a config.AppConfig) domain.AppConfig {
	tools := make([]domain.ExternalDataTool, 0, len(a.ExternalData))
	for _, t := range a.ExternalData {
		tools = append(tools, domain.ExternalDataTool{
			Variable: t.Variable,
			Provider: t.Type,
			Config:   t.Config,
			Timeout:  t.Timeout,
		})
	}

	return domain.AppConfig{
		ID:       a.ID,
		TenantID: a.TenantID,
		Name:     a.Name,
		Model: domain.ModelConfig{
			Provider:      a.Provider,
			Name:          a.Model,
			Parameters:    a.Parameters,
			ContextWindow: a.ContextWindow,
			MaxTokens:     a.MaxTokens,
		},
		Prompt: domain.PromptTemplate{
			System: a.Prompt.System,
			Stop:   a.Prompt.Stop,
		},
		KnowledgeBases: a.KnowledgeBases,
		Retrieval: domain.RetrievalConfig{
			TopK:             a.Retrieval.TopK,
			ScoreThreshold:   a.Retrieval.ScoreThreshold,
			MaxContextTokens: a.Retrieval.MaxContextTokens,
		},
		ShowRetrieveSource: a.ShowRetrieveSource,
		ExternalData:       tools,
		Memory: domain.MemoryConfig{
			Enabled:     a.Memory.Enabled,
			MaxTokens:   a.Memory.MaxTokens,
			MaxMessages: a.Memory.MaxMessages,
		},
		Moderation: domain.ModerationConfig{
			Enabled:        a.Moderation.Enabled,
			Type:           a.Moderation.Type,
			Config:         a.Moderation.Config,
			CheckInputs:    a.Moderation.CheckInputs,
			CheckQuery:     a.Moderation.CheckQuery,
			PresetResponse: a.Moderation.PresetResponse,
			Hosting:        a.Moderation.Hosting,
		},
		Annotation: domain.AnnotationConfig{
			Enabled:        a.Annotation.Enabled,
			ScoreThreshold: a.Annotation.ScoreThreshold,
		},
		MinOutputTokens: a.MinOutputTokens,
		ImageDetail:     domain.ImageDetail(a.ImageDetail),
	}
}

// providerSettings converts a provider entry into backend factory config.
func providerSettings(p config.ProviderConfig) map[string]string {
	settings := map[string]string{
		"api_key":  p.APIKey,
		"base_url": p.BaseURL,
	}
	if p.MaxRetries > 0 {
		settings["max_retries"] = strconv.Itoa(p.MaxRetries)
	}
	return settings
}
