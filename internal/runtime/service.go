// Package runtime wires configuration, stores, backends and runners into a
// running service, and manages its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-app-runner/internal/annotation"
	"github.com/tjfontaine/polyglot-app-runner/internal/auth"
	"github.com/tjfontaine/polyglot-app-runner/internal/backend"
	"github.com/tjfontaine/polyglot-app-runner/internal/controlplane"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/extension"
	"github.com/tjfontaine/polyglot-app-runner/internal/pkg/config"
	"github.com/tjfontaine/polyglot-app-runner/internal/queue"
	"github.com/tjfontaine/polyglot-app-runner/internal/retrieval"
	"github.com/tjfontaine/polyglot-app-runner/internal/runner"
	"github.com/tjfontaine/polyglot-app-runner/internal/server"
	"github.com/tjfontaine/polyglot-app-runner/internal/storage/sqldb"
	"github.com/tjfontaine/polyglot-app-runner/internal/tokens"
)

// ConfigSource loads configuration and reports changes.
type ConfigSource interface {
	Load(ctx context.Context) (*config.Config, error)
	// Watch blocks until ctx is done, calling onChange with every valid new config.
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// Service runs generation requests for the configured apps.
// It can be embedded in larger applications or run standalone.
type Service struct {
	// Dependencies (injected via options)
	config           ConfigSource
	logger           *slog.Logger
	httpClient       *http.Client
	db               *sqldb.DB
	redis            *redis.Client
	embedder         retrieval.Embedder
	searcher         retrieval.Searcher
	backendOverrides map[string]ports.ModelBackend
	extraHooks       []ports.RunHook
	listen           bool

	// Resources opened by Start and closed by Shutdown.
	owned []closer

	counter    *tokens.Registry
	moderators *extension.Registry[ports.Moderator]
	providers  *extension.Registry[ports.ExternalDataProvider]
	backends   *extension.Registry[ports.ModelBackend]
	queues     *queue.Manager
	handler    *server.Handler
	server     *server.Server

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	mu      sync.RWMutex
	cfg     *config.Config
	runners map[string]*runner.Runner
	authn   *auth.Authenticator
}

type closer struct {
	name  string
	close func() error
}

// New creates a Service with the given options.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		logger:           slog.Default(),
		httpClient:       http.DefaultClient,
		backendOverrides: make(map[string]ports.ModelBackend),
		listen:           true,
		counter:          tokens.NewDefaultRegistry(),
		runners:          make(map[string]*runner.Runner),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if s.config == nil {
		return nil, fmt.Errorf("config source required (use WithFileConfig or WithConfigSource)")
	}
	return s, nil
}

// Start loads configuration, opens stores and begins serving.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	cfg, err := s.config.Load(s.ctx)
	if err != nil {
		s.cancel()
		return fmt.Errorf("load config: %w", err)
	}
	if err := s.init(cfg); err != nil {
		s.cancel()
		s.closeOwned()
		return err
	}

	s.handler = server.NewHandler(s, s.logger, cfg.Server.RequestTimeout)
	s.server = server.New(cfg.Server.Port, s.logger, s.handler)
	if cfg.Server.Admin.Enabled {
		s.server.Router.Mount("/admin", s.adminHandler(cfg.Server.Admin))
	}
	if s.listen {
		go func() {
			if err := s.server.Start(); err != nil {
				s.logger.Error("server failed", slog.String("error", err.Error()))
			}
		}()
	}

	go s.queues.Run(s.ctx)
	go s.watchConfig()

	s.logger.Info("service started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("providers", len(cfg.Providers)),
		slog.Int("apps", len(cfg.Apps)))

	return nil
}

func (s *Service) init(cfg *config.Config) error {
	if err := s.openStores(s.ctx, cfg); err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	if err := s.initRegistries(cfg); err != nil {
		return fmt.Errorf("init registries: %w", err)
	}
	s.initQueues(cfg)

	runners, err := s.buildRunners(cfg)
	if err != nil {
		return fmt.Errorf("build apps: %w", err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.runners = runners
	s.authn = appAuthenticator(cfg)
	s.mu.Unlock()
	return nil
}

// Handler returns the HTTP API, for embedding or tests.
func (s *Service) Handler() http.Handler {
	return s.server.Router
}

// Submit starts a run for req and returns the queue its events go to.
// The run outlives ctx; it ends when it finishes, is stopped, or the service
// shuts down.
func (s *Service) Submit(ctx context.Context, req *domain.GenerationRequest) (*queue.Queue, error) {
	s.mu.RLock()
	r, ok := s.runners[req.AppID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ports.ErrAppNotFound, req.AppID)
	}

	app := r.App()
	req.TenantID = app.TenantID
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	q, err := s.queues.Create(req.TaskID, req.AppID, req.UserID)
	if err != nil {
		return nil, err
	}

	// Keep the caller's span as parent without inheriting its cancellation.
	runCtx := trace.ContextWithSpan(s.ctx, trace.SpanFromContext(ctx))
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		summary := r.Execute(runCtx, req, q)
		s.logger.Debug("run finished",
			slog.String("task_id", summary.TaskID),
			slog.String("app_id", summary.AppID),
			slog.String("status", string(summary.Status)))
	}()
	return q, nil
}

// Authenticator returns the app keys of the current configuration.
func (s *Service) Authenticator() *auth.Authenticator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authn
}

// LiveTasks reports how many task queues are tracked.
func (s *Service) LiveTasks() int {
	return s.queues.Len()
}

// adminHandler builds the operator API. Without a database only stats and the
// app catalogue are served.
func (s *Service) adminHandler(cfg config.AdminConfig) http.Handler {
	cp := controlplane.NewServer(s, nil, nil)
	if s.db != nil {
		cp = controlplane.NewServer(s, s.db, annotation.NewSQLStore(s.db))
	}

	var keys map[string][]string
	if cfg.KeyHash != "" {
		keys = map[string][]string{"admin": {cfg.KeyHash}}
	}
	authn := auth.NewAuthenticator(keys)
	return server.AuthMiddleware(func() *auth.Authenticator { return authn })(cp)
}

// Stop requests cancellation of a task.
func (s *Service) Stop(ctx context.Context, taskID, userID string) error {
	return s.queues.Stop(ctx, taskID, userID)
}

// Apps lists the configured apps ordered by id.
func (s *Service) Apps() []domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AppConfig, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.App())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown cancels running tasks, which ends their event streams, then stops
// the HTTP server and waits for the runs to finish or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down service")

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	if s.server != nil && s.listen {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("runs still active at shutdown", slog.String("error", ctx.Err().Error()))
		errs = append(errs, ctx.Err())
	}

	s.closeOwned()
	if err := s.config.Close(); err != nil {
		s.logger.Error("failed to close config", slog.String("error", err.Error()))
	}

	s.logger.Info("service shutdown complete")
	return errors.Join(errs...)
}

func (s *Service) closeOwned() {
	for i := len(s.owned) - 1; i >= 0; i-- {
		c := s.owned[i]
		if err := c.close(); err != nil {
			s.logger.Error("failed to close "+c.name, slog.String("error", err.Error()))
		}
	}
	s.owned = nil
}

// watchConfig watches for config changes and reloads.
func (s *Service) watchConfig() {
	onChange := func(newCfg *config.Config) {
		s.logger.Info("config changed, reloading")
		if err := s.reload(newCfg); err != nil {
			s.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := s.config.Watch(s.ctx, onChange); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("config watch failed", slog.String("error", err.Error()))
	}
}

// reload swaps in runners built from cfg. Runs already started keep the
// runner they began with. Store and server settings need a restart.
func (s *Service) reload(cfg *config.Config) error {
	s.mu.RLock()
	prev := s.cfg
	s.mu.RUnlock()
	if prev != nil && storesChanged(prev, cfg) {
		s.logger.Warn("storage, redis, qdrant or server settings changed; restart to apply")
	}

	if err := s.initRegistries(cfg); err != nil {
		return fmt.Errorf("reinit registries: %w", err)
	}
	runners, err := s.buildRunners(cfg)
	if err != nil {
		return fmt.Errorf("rebuild apps: %w", err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.runners = runners
	s.authn = appAuthenticator(cfg)
	s.mu.Unlock()

	s.logger.Info("reload complete",
		slog.Int("providers", len(cfg.Providers)),
		slog.Int("apps", len(runners)))
	return nil
}

func storesChanged(a, b *config.Config) bool {
	return a.Storage != b.Storage ||
		a.Redis != b.Redis ||
		a.Qdrant != b.Qdrant ||
		a.Server != b.Server ||
		a.Queue != b.Queue
}

// backendRegistry resolves provider names for the apps of cfg.
func (s *Service) backendRegistry(cfg *config.Config) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	for _, p := range cfg.Providers {
		if b, ok := s.backendOverrides[p.Name]; ok {
			reg.Register(p.Name, b)
			continue
		}
		b, err := s.backends.Create(p.Type, providerSettings(p))
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}
		reg.Register(p.Name, b)
	}
	// Overrides may also name providers absent from the config.
	for name, b := range s.backendOverrides {
		if _, err := reg.Get(name); err != nil {
			reg.Register(name, b)
		}
	}
	return reg, nil
}
