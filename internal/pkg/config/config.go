package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file settings.
// APPRUNNER_SERVER__PORT=9090 sets server.port.
const EnvPrefix = "APPRUNNER_"

// DefaultPath is read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server         ServerConfig          `koanf:"server"`
	Telemetry      TelemetryConfig       `koanf:"telemetry"`
	Storage        StorageConfig         `koanf:"storage"`
	Redis          RedisConfig           `koanf:"redis"`
	Qdrant         QdrantConfig          `koanf:"qdrant"`
	Supabase       SupabaseConfig        `koanf:"supabase"`
	Queue          QueueConfig           `koanf:"queue"`
	Enrichment     EnrichmentConfig      `koanf:"enrichment"`
	Embedding      EmbeddingConfig       `koanf:"embedding"`
	Providers      []ProviderConfig      `koanf:"providers"`
	KnowledgeBases []KnowledgeBaseConfig `koanf:"knowledge_bases"`
	Apps           []AppConfig           `koanf:"apps"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeout bounds non-streaming requests. Streams are bounded by the queue listen timeout.
	RequestTimeout time.Duration `koanf:"request_timeout"`
	Admin          AdminConfig   `koanf:"admin"`
}

// AdminConfig mounts the operator API under /admin.
type AdminConfig struct {
	Enabled bool `koanf:"enabled"`
	// KeyHash is the SHA-256 hex digest of the bearer key. Empty leaves the API open.
	KeyHash string `koanf:"key_hash"`
}

type TelemetryConfig struct {
	ServiceName string `koanf:"service_name"`
	Exporter    string `koanf:"exporter"` // stdout, none
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, none
	DSN    string `koanf:"dsn"`
}

// RedisConfig enables cross-process stop flags and the redis memory store.
// An empty Addr disables redis.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type QdrantConfig struct {
	URL    string `koanf:"url"`
	APIKey string `koanf:"api_key"`
}

type SupabaseConfig struct {
	URL string `koanf:"url"`
	Key string `koanf:"key"`
}

type QueueConfig struct {
	Capacity      int           `koanf:"capacity"`
	PingInterval  time.Duration `koanf:"ping_interval"`
	ListenTimeout time.Duration `koanf:"listen_timeout"`
	StopFlagTTL   time.Duration `koanf:"stop_flag_ttl"`
	Retention     time.Duration `koanf:"retention"`
}

type EnrichmentConfig struct {
	Concurrency int           `koanf:"concurrency"`
	Timeout     time.Duration `koanf:"timeout"`
}

// EmbeddingConfig selects the model that embeds retrieval queries.
type EmbeddingConfig struct {
	Provider   string `koanf:"provider"` // name of an openai-type provider
	Model      string `koanf:"model"`
	Dimensions int64  `koanf:"dimensions"`
}

type ProviderConfig struct {
	Name       string `koanf:"name"`
	Type       string `koanf:"type"`
	APIKey     string `koanf:"api_key"`
	BaseURL    string `koanf:"base_url"`
	MaxRetries int    `koanf:"max_retries"`
}

type KnowledgeBaseConfig struct {
	ID         string `koanf:"id"`
	Collection string `koanf:"collection"`
	Strategy   string `koanf:"strategy"` // paragraph, parent_child, qa
}

type AppConfig struct {
	ID       string `koanf:"id"`
	TenantID string `koanf:"tenant_id"`
	Name     string `koanf:"name"`

	Provider      string         `koanf:"provider"`
	Model         string         `koanf:"model"`
	ContextWindow int            `koanf:"context_window"`
	MaxTokens     int            `koanf:"max_tokens"`
	Parameters    map[string]any `koanf:"parameters"`

	Prompt PromptConfig `koanf:"prompt"`

	KnowledgeBases     []string        `koanf:"knowledge_bases"`
	Retrieval          RetrievalConfig `koanf:"retrieval"`
	ShowRetrieveSource bool            `koanf:"show_retrieve_source"`

	ExternalData []ExternalDataConfig `koanf:"external_data"`
	Memory       MemoryConfig         `koanf:"memory"`
	Moderation   ModerationConfig     `koanf:"moderation"`
	Annotation   AnnotationConfig     `koanf:"annotation"`

	MinOutputTokens int    `koanf:"min_output_tokens"`
	ImageDetail     string `koanf:"image_detail"` // low, high

	// APIKeys guard the /v1 API. Once any app lists a key, every request needs one.
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

// APIKeyConfig holds the SHA-256 hex digest of an app key, never the key itself.
type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

type PromptConfig struct {
	System string   `koanf:"system"`
	Stop   []string `koanf:"stop"`
}

type RetrievalConfig struct {
	TopK             int     `koanf:"top_k"`
	ScoreThreshold   float64 `koanf:"score_threshold"`
	MaxContextTokens int     `koanf:"max_context_tokens"`
}

type ExternalDataConfig struct {
	Variable string            `koanf:"variable"`
	Type     string            `koanf:"type"`
	Timeout  time.Duration     `koanf:"timeout"`
	Config   map[string]string `koanf:"config"`
}

type MemoryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Store       string `koanf:"store"` // sql (default), redis
	MaxTokens   int    `koanf:"max_tokens"`
	MaxMessages int    `koanf:"max_messages"`
}

type ModerationConfig struct {
	Enabled        bool              `koanf:"enabled"`
	Type           string            `koanf:"type"`
	Config         map[string]string `koanf:"config"`
	CheckInputs    bool              `koanf:"check_inputs"`
	CheckQuery     bool              `koanf:"check_query"`
	PresetResponse string            `koanf:"preset_response"`
	Hosting        bool              `koanf:"hosting"`
}

type AnnotationConfig struct {
	Enabled        bool    `koanf:"enabled"`
	ScoreThreshold float64 `koanf:"score_threshold"`
}

var defaults = map[string]any{
	"server.port":            8080,
	"server.request_timeout": "60s",
	"telemetry.service_name": "polyglot-app-runner",
	"telemetry.exporter":     "stdout",
	"storage.driver":         "sqlite",
	"storage.dsn":            "./data/apprunner.db",
	"queue.capacity":         256,
	"queue.ping_interval":    "10s",
	"queue.listen_timeout":   "20m",
	"queue.stop_flag_ttl":    "10m",
	"queue.retention":        "10m",
	"enrichment.concurrency": 4,
	"enrichment.timeout":     "10s",
	"embedding.model":        "text-embedding-3-small",
	"redis.prefix":           "apprunner:",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then environment overrides,
// then fills defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.substituteSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration that cannot produce a working runner.
func (c *Config) Validate() error {
	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider without name")
		}
		if providers[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		providers[p.Name] = true
	}

	kbs := make(map[string]bool, len(c.KnowledgeBases))
	for _, kb := range c.KnowledgeBases {
		kbs[kb.ID] = true
	}

	apps := make(map[string]bool, len(c.Apps))
	keys := make(map[string]string)
	for _, a := range c.Apps {
		if a.ID == "" {
			return fmt.Errorf("app without id")
		}
		if apps[a.ID] {
			return fmt.Errorf("duplicate app %q", a.ID)
		}
		apps[a.ID] = true
		if !providers[a.Provider] {
			return fmt.Errorf("app %q: unknown provider %q", a.ID, a.Provider)
		}
		if a.Model == "" {
			return fmt.Errorf("app %q: model is required", a.ID)
		}
		for _, id := range a.KnowledgeBases {
			if !kbs[id] {
				return fmt.Errorf("app %q: unknown knowledge base %q", a.ID, id)
			}
		}
		for i, k := range a.APIKeys {
			if len(k.KeyHash) != 64 {
				return fmt.Errorf("app %q: api_keys[%d]: key_hash must be a SHA-256 hex digest", a.ID, i)
			}
			if keys[k.KeyHash] != "" {
				return fmt.Errorf("app %q: api_keys[%d]: key already used by app %q", a.ID, i, keys[k.KeyHash])
			}
			keys[k.KeyHash] = a.ID
		}
	}
	return nil
}

// substituteSecrets expands ${VAR} references in credentials and extension configs.
func (c *Config) substituteSecrets() {
	for i := range c.Providers {
		c.Providers[i].APIKey = substituteEnvVars(c.Providers[i].APIKey)
	}
	c.Redis.Password = substituteEnvVars(c.Redis.Password)
	c.Qdrant.APIKey = substituteEnvVars(c.Qdrant.APIKey)
	c.Supabase.Key = substituteEnvVars(c.Supabase.Key)
	c.Storage.DSN = substituteEnvVars(c.Storage.DSN)

	for i := range c.Apps {
		substituteMap(c.Apps[i].Moderation.Config)
		for j := range c.Apps[i].ExternalData {
			substituteMap(c.Apps[i].ExternalData[j].Config)
		}
	}
}

func substituteMap(m map[string]string) {
	for k, v := range m {
		m[k] = substituteEnvVars(v)
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
