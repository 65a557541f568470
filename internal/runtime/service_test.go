package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/polyglot-app-runner/internal/annotation"
	"github.com/tjfontaine/polyglot-app-runner/internal/auth"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/pkg/config"
	"github.com/tjfontaine/polyglot-app-runner/internal/queue"
	"github.com/tjfontaine/polyglot-app-runner/internal/storage/sqldb"
)

// staticSource serves a fixed config and forwards pushed configs to Watch.
type staticSource struct {
	cfg     *config.Config
	updates chan *config.Config
	closed  bool
}

func newStaticSource(cfg *config.Config) *staticSource {
	return &staticSource{cfg: cfg, updates: make(chan *config.Config, 1)}
}

func (s *staticSource) Load(context.Context) (*config.Config, error) {
	return s.cfg, nil
}

func (s *staticSource) Watch(ctx context.Context, onChange func(*config.Config)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg := <-s.updates:
			onChange(cfg)
		}
	}
}

func (s *staticSource) Close() error {
	s.closed = true
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []*domain.InvokeRequest
	text     string
	// block holds streams open until the run is cancelled.
	block bool
}

func (b *fakeBackend) Invoke(ctx context.Context, req *domain.InvokeRequest) (*domain.InvokeResult, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	usage := domain.Usage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13}
	if !req.Stream {
		return &domain.InvokeResult{Completion: &domain.Completion{Text: b.text, FinishReason: "stop", Usage: usage}}, nil
	}

	out := make(chan domain.Chunk)
	go func() {
		defer close(out)
		select {
		case out <- domain.Chunk{Delta: b.text}:
		case <-ctx.Done():
			return
		}
		if b.block {
			<-ctx.Done()
			return
		}
		select {
		case out <- domain.Chunk{FinishReason: "stop", Usage: &usage}:
		case <-ctx.Done():
		}
	}()
	return &domain.InvokeResult{Chunks: out}, nil
}

func testConfig(apps ...config.AppConfig) *config.Config {
	return &config.Config{
		Server:     config.ServerConfig{Port: 0, RequestTimeout: 5 * time.Second},
		Queue:      config.QueueConfig{Capacity: 16},
		Enrichment: config.EnrichmentConfig{Concurrency: 2, Timeout: time.Second},
		Providers:  []config.ProviderConfig{{Name: "fake", Type: "openai"}},
		Apps:       apps,
	}
}

func supportApp() config.AppConfig {
	return config.AppConfig{
		ID:       "support",
		TenantID: "acme",
		Name:     "Support",
		Provider: "fake",
		Model:    "gpt-4o-mini",
		Prompt:   config.PromptConfig{System: "You help {{customer}}."},
	}
}

type harness struct {
	svc     *Service
	db      *sqldb.DB
	backend *fakeBackend
	source  *staticSource
}

func startService(t *testing.T, cfg *config.Config, backend *fakeBackend) *harness {
	t.Helper()

	db, err := sqldb.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	source := newStaticSource(cfg)
	svc, err := New(
		WithConfigSource(source),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDatabase(db),
		WithBackend("fake", backend),
		WithoutHTTPServer(),
	)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	return &harness{svc: svc, db: db, backend: backend, source: source}
}

func (h *harness) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.svc.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresConfigSource(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config source required")
}

func TestNew_RejectsUnnamedBackend(t *testing.T) {
	_, err := New(WithConfigSource(newStaticSource(testConfig())), WithBackend("", &fakeBackend{}))
	require.Error(t, err)
}

func TestService_BlockingMessage(t *testing.T) {
	h := startService(t, testConfig(supportApp()), &fakeBackend{text: "We open at nine."})

	rec := h.post(t, "/v1/apps/support/messages", `{"query":"When do you open?","user":"u1","inputs":{"customer":"Ada"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		TaskID string       `json:"task_id"`
		Answer string       `json:"answer"`
		Usage  domain.Usage `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "We open at nine.", resp.Answer)
	assert.Equal(t, 13, resp.Usage.TotalTokens)
	require.NotEmpty(t, resp.TaskID)

	h.backend.mu.Lock()
	sent := h.backend.requests[0]
	h.backend.mu.Unlock()
	assert.Equal(t, "gpt-4o-mini", sent.Model)
	require.NotEmpty(t, sent.Messages)
	assert.Equal(t, domain.RoleSystem, sent.Messages[0].Role)

	require.Eventually(t, func() bool {
		rec, err := h.db.GetRun(context.Background(), resp.TaskID)
		return err == nil && rec.Status == string(ports.RunSucceeded)
	}, 2*time.Second, 10*time.Millisecond, "run should be recorded")

	rec2, err := h.db.GetRun(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "acme", rec2.TenantID)
	assert.Equal(t, "support", rec2.AppID)
}

func TestService_StreamingMessage(t *testing.T) {
	h := startService(t, testConfig(supportApp()), &fakeBackend{text: "Streaming hello"})

	rec := h.post(t, "/v1/apps/support/messages", `{"query":"hi","stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"text_chunk"`)
	assert.Contains(t, body, "Streaming hello")
	assert.Contains(t, body, `"message_end"`)
	assert.True(t, strings.Index(body, `"message_end"`) < strings.LastIndex(body, `"stop"`),
		"stop must be the last event")
}

func TestService_UnknownApp(t *testing.T) {
	h := startService(t, testConfig(supportApp()), &fakeBackend{text: "x"})

	rec := h.post(t, "/v1/apps/missing/messages", `{"query":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := h.svc.Submit(context.Background(), &domain.GenerationRequest{AppID: "missing", Query: "hi"})
	assert.ErrorIs(t, err, ports.ErrAppNotFound)
}

func TestService_SubmitFillsIDs(t *testing.T) {
	h := startService(t, testConfig(supportApp()), &fakeBackend{text: "x"})

	req := &domain.GenerationRequest{AppID: "support", UserID: "u1", Query: "hi"}
	q, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.NotEmpty(t, req.TaskID)
	assert.NotEmpty(t, req.MessageID)
	assert.Equal(t, "acme", req.TenantID)
	assert.Equal(t, req.TaskID, q.TaskID())

	// Reusing a live task id is rejected.
	_, err = h.svc.Submit(context.Background(), &domain.GenerationRequest{TaskID: req.TaskID, AppID: "support", Query: "hi"})
	assert.ErrorIs(t, err, queue.ErrTaskExists)
}

func TestService_StopRunningTask(t *testing.T) {
	h := startService(t, testConfig(supportApp()), &fakeBackend{text: "partial", block: true})

	req := &domain.GenerationRequest{AppID: "support", UserID: "u1", Query: "hi", Stream: true}
	q, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.ErrorIs(t, h.svc.Stop(context.Background(), req.TaskID, "intruder"), queue.ErrNotOwner)
	assert.ErrorIs(t, h.svc.Stop(context.Background(), req.TaskID, ""), queue.ErrNotOwner)
	require.NoError(t, h.svc.Stop(context.Background(), req.TaskID, "u1"))

	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("queue was not stopped")
	}
	assert.True(t, q.Reason().Cancellation())

	require.Eventually(t, func() bool {
		rec, err := h.db.GetRun(context.Background(), req.TaskID)
		return err == nil && rec.Status == string(ports.RunCancelled)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_AnnotationReply(t *testing.T) {
	app := supportApp()
	app.Annotation = config.AnnotationConfig{Enabled: true, ScoreThreshold: 0.9}
	backend := &fakeBackend{text: "model answer"}
	h := startService(t, testConfig(app), backend)

	store := annotation.NewSQLStore(h.db)
	id, err := store.Create(context.Background(), ports.Scope{TenantID: "acme", AppID: "support"},
		"What are your opening hours?", "We are open 9 to 5.")
	require.NoError(t, err)

	rec := h.post(t, "/v1/apps/support/messages", `{"query":"What are your opening hours?"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Answer       string `json:"answer"`
		AnnotationID string `json:"annotation_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "We are open 9 to 5.", resp.Answer)
	assert.Equal(t, id, resp.AnnotationID)

	backend.mu.Lock()
	calls := len(backend.requests)
	backend.mu.Unlock()
	assert.Zero(t, calls, "an annotation reply must not invoke the model")

	require.Eventually(t, func() bool {
		n, err := store.HitCount(context.Background(), id)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_AdminAPI(t *testing.T) {
	cfg := testConfig(supportApp())
	cfg.Server.Admin = config.AdminConfig{Enabled: true, KeyHash: auth.HashAPIKey("ops-key")}
	h := startService(t, cfg, &fakeBackend{text: "x"})

	send := func(method, path, key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rec := httptest.NewRecorder()
		h.svc.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, send(http.MethodGet, "/admin/api/apps", "", "").Code)

	rec := send(http.MethodPost, "/admin/api/apps/support/annotations", "ops-key", `{"question":"Refunds?","content":"Within 30 days."}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = send(http.MethodGet, "/admin/api/apps", "ops-key", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var apps struct {
		Apps []struct {
			ID       string `json:"id"`
			TenantID string `json:"tenant_id"`
		} `json:"apps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apps))
	require.Len(t, apps.Apps, 1)
	assert.Equal(t, "acme", apps.Apps[0].TenantID)

	records, err := annotation.NewSQLStore(h.db).List(context.Background(), ports.Scope{TenantID: "acme", AppID: "support"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Refunds?", records[0].Question)
}

func TestService_AdminDisabledByDefault(t *testing.T) {
	h := startService(t, testConfig(supportApp()), &fakeBackend{text: "x"})

	rec := httptest.NewRecorder()
	h.svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/api/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestService_AppKeys(t *testing.T) {
	app := supportApp()
	app.APIKeys = []config.APIKeyConfig{{KeyHash: auth.HashAPIKey("app-secret")}}
	h := startService(t, testConfig(app), &fakeBackend{text: "hello"})

	rec := h.post(t, "/v1/apps/support/messages", `{"query":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/apps/support/messages", strings.NewReader(`{"query":"hi"}`))
	req.Header.Set("Authorization", "Bearer app-secret")
	rec = httptest.NewRecorder()
	h.svc.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Dropping the keys on reload opens the API again.
	h.source.updates <- testConfig(supportApp())
	require.Eventually(t, func() bool {
		return !h.svc.Authenticator().Enabled()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_Reload(t *testing.T) {
	h := startService(t, testConfig(supportApp()), &fakeBackend{text: "x"})
	require.Len(t, h.svc.Apps(), 1)

	second := supportApp()
	second.ID = "sales"
	h.source.updates <- testConfig(supportApp(), second)

	require.Eventually(t, func() bool {
		return len(h.svc.Apps()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "sales", h.svc.Apps()[0].ID)
	assert.Equal(t, "support", h.svc.Apps()[1].ID)
}

func TestService_InvalidReloadKeepsApps(t *testing.T) {
	h := startService(t, testConfig(supportApp()), &fakeBackend{text: "x"})

	broken := supportApp()
	broken.Provider = "nowhere"
	h.source.updates <- testConfig(broken)

	// The failed reload is logged; the running apps stay.
	time.Sleep(50 * time.Millisecond)
	apps := h.svc.Apps()
	require.Len(t, apps, 1)
	assert.Equal(t, "fake", apps[0].Model.Provider)
}

func TestService_StartErrors(t *testing.T) {
	tests := []struct {
		name string
		app  func() config.AppConfig
		want string
	}{
		{
			name: "annotations without database",
			app: func() config.AppConfig {
				a := supportApp()
				a.Annotation.Enabled = true
				return a
			},
			want: "annotations require a database",
		},
		{
			name: "redis memory without redis",
			app: func() config.AppConfig {
				a := supportApp()
				a.Memory = config.MemoryConfig{Enabled: true, Store: MemoryStoreRedis}
				return a
			},
			want: "redis memory requires redis.addr",
		},
		{
			name: "unknown moderator",
			app: func() config.AppConfig {
				a := supportApp()
				a.Moderation = config.ModerationConfig{Enabled: true, Type: "crystal_ball"}
				return a
			},
			want: "moderation",
		},
		{
			name: "unknown provider",
			app: func() config.AppConfig {
				a := supportApp()
				a.Provider = "nowhere"
				return a
			},
			want: "nowhere",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.app())
			cfg.Storage.Driver = StorageDriverNone

			source := newStaticSource(cfg)
			svc, err := New(
				WithConfigSource(source),
				WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
				WithBackend("fake", &fakeBackend{}),
				WithoutHTTPServer(),
			)
			require.NoError(t, err)

			err = svc.Start(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestService_ShutdownCancelsRuns(t *testing.T) {
	h := startService(t, testConfig(supportApp()), &fakeBackend{text: "partial", block: true})

	q, err := h.svc.Submit(context.Background(), &domain.GenerationRequest{AppID: "support", Query: "hi", Stream: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))

	select {
	case <-q.Done():
	default:
		t.Fatal("run should have stopped its queue before Shutdown returned")
	}
	assert.True(t, h.source.closed)
}

func TestToDomainApp(t *testing.T) {
	a := supportApp()
	a.ContextWindow = 8192
	a.MaxTokens = 512
	a.ImageDetail = "high"
	a.ExternalData = []config.ExternalDataConfig{{Variable: "weather", Type: "api", Timeout: time.Second, Config: map[string]string{"url": "http://x"}}}
	a.Memory = config.MemoryConfig{Enabled: true, Store: MemoryStoreRedis, MaxMessages: 10}

	got := toDomainApp(a)
	assert.Equal(t, "fake", got.Model.Provider)
	assert.Equal(t, "gpt-4o-mini", got.Model.Name)
	assert.Equal(t, 8192, got.Model.ContextWindow)
	assert.Equal(t, 512, got.Model.MaxTokens)
	assert.Equal(t, domain.ImageDetail("high"), got.ImageDetail)
	require.Len(t, got.ExternalData, 1)
	assert.Equal(t, "api", got.ExternalData[0].Provider)
	assert.Equal(t, time.Second, got.ExternalData[0].Timeout)
	assert.True(t, got.Memory.Enabled)
	assert.Equal(t, 10, got.Memory.MaxMessages)
}

func TestProviderSettings(t *testing.T) {
	got := providerSettings(config.ProviderConfig{Name: "p", Type: "openai", APIKey: "k", BaseURL: "http://local", MaxRetries: 3})
	assert.Equal(t, map[string]string{"api_key": "k", "base_url": "http://local", "max_retries": "3"}, got)

	got = providerSettings(config.ProviderConfig{Name: "p", Type: "openai"})
	_, ok := got["max_retries"]
	assert.False(t, ok)
}
