package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleConfig = `
providers:
  - name: openai
    type: openai
    api_key: ${TEST_OPENAI_KEY}
knowledge_bases:
  - id: docs
    strategy: paragraph
apps:
  - id: support
    provider: openai
    model: gpt-4o-mini
    context_window: 128000
    knowledge_bases: [docs]
    prompt:
      system: "You are {{persona}}."
      stop: ["Human:"]
    moderation:
      enabled: true
      type: api
      config:
        api_endpoint: https://moderation.example.com
        api_key: ${TEST_MODERATION_KEY}
    external_data:
      - variable: weather
        type: api
        timeout: 2s
        config:
          api_endpoint: https://weather.example.com
`

func TestLoad_FileWithDefaults(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	t.Setenv("TEST_MODERATION_KEY", "mod-key")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Queue.Capacity != 256 {
		t.Errorf("queue capacity = %d, want 256", cfg.Queue.Capacity)
	}
	if cfg.Queue.PingInterval != 10*time.Second {
		t.Errorf("ping interval = %v, want 10s", cfg.Queue.PingInterval)
	}
	if cfg.Queue.ListenTimeout != 20*time.Minute {
		t.Errorf("listen timeout = %v, want 20m", cfg.Queue.ListenTimeout)
	}
	if cfg.Enrichment.Concurrency != 4 || cfg.Enrichment.Timeout != 10*time.Second {
		t.Errorf("enrichment = %+v", cfg.Enrichment)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage driver = %q, want sqlite", cfg.Storage.Driver)
	}

	if got := cfg.Providers[0].APIKey; got != "sk-test" {
		t.Errorf("provider api key = %q, want substituted value", got)
	}

	app := cfg.Apps[0]
	if app.Prompt.System != "You are {{persona}}." {
		t.Errorf("system prompt = %q", app.Prompt.System)
	}
	if len(app.Prompt.Stop) != 1 || app.Prompt.Stop[0] != "Human:" {
		t.Errorf("stop = %v", app.Prompt.Stop)
	}
	if got := app.Moderation.Config["api_key"]; got != "mod-key" {
		t.Errorf("moderation api key = %q, want substituted value", got)
	}
	if got := app.ExternalData[0].Timeout; got != 2*time.Second {
		t.Errorf("external data timeout = %v, want 2s", got)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	t.Setenv("APPRUNNER_SERVER__PORT", "9090")
	t.Setenv("APPRUNNER_QUEUE__CAPACITY", "32")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Queue.Capacity != 32 {
		t.Errorf("capacity = %d, want 32", cfg.Queue.Capacity)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if len(cfg.Apps) != 0 {
		t.Errorf("apps = %d, want 0", len(cfg.Apps))
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Providers:      []ProviderConfig{{Name: "openai", Type: "openai"}},
			KnowledgeBases: []KnowledgeBaseConfig{{ID: "docs"}},
			Apps:           []AppConfig{{ID: "a", Provider: "openai", Model: "gpt-4o"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Apps[0].Provider = "missing" },
			wantErr: "unknown provider",
		},
		{
			name:    "missing model",
			mutate:  func(c *Config) { c.Apps[0].Model = "" },
			wantErr: "model is required",
		},
		{
			name:    "unknown knowledge base",
			mutate:  func(c *Config) { c.Apps[0].KnowledgeBases = []string{"nope"} },
			wantErr: "unknown knowledge base",
		},
		{
			name: "duplicate app",
			mutate: func(c *Config) {
				c.Apps = append(c.Apps, c.Apps[0])
			},
			wantErr: "duplicate app",
		},
		{
			name: "duplicate provider",
			mutate: func(c *Config) {
				c.Providers = append(c.Providers, c.Providers[0])
			},
			wantErr: "duplicate provider",
		},
		{
			name:    "short key hash",
			mutate:  func(c *Config) { c.Apps[0].APIKeys = []APIKeyConfig{{KeyHash: "abc"}} },
			wantErr: "SHA-256 hex digest",
		},
		{
			name: "key shared across apps",
			mutate: func(c *Config) {
				key := APIKeyConfig{KeyHash: strings.Repeat("ab", 32)}
				c.Apps[0].APIKeys = []APIKeyConfig{key}
				c.Apps = append(c.Apps, AppConfig{ID: "b", Provider: "openai", Model: "gpt-4o", APIKeys: []APIKeyConfig{key}})
			},
			wantErr: "already used by app",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_SUB_A", "alpha")
	if got := substituteEnvVars("key-${TEST_SUB_A}-${TEST_SUB_UNSET}"); got != "key-alpha-" {
		t.Errorf("got %q", got)
	}
}
