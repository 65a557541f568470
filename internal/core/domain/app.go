package domain

import "time"

// AppConfig is the per-application pipeline configuration resolved before a run starts.
type AppConfig struct {
	ID       string      `json:"id"`
	TenantID string      `json:"tenant_id"`
	Name     string      `json:"name"`
	Model    ModelConfig `json:"model"`

	Prompt PromptTemplate `json:"prompt"`

	// KnowledgeBases lists knowledge base ids in declaration order.
	KnowledgeBases     []string        `json:"knowledge_bases,omitempty"`
	Retrieval          RetrievalConfig `json:"retrieval"`
	ShowRetrieveSource bool            `json:"show_retrieve_source"`

	ExternalData []ExternalDataTool `json:"external_data,omitempty"`
	Memory       MemoryConfig       `json:"memory"`
	Moderation   ModerationConfig   `json:"moderation"`
	Annotation   AnnotationConfig   `json:"annotation"`

	// MinOutputTokens is the floor the budget enforcer will not shrink below.
	MinOutputTokens int `json:"min_output_tokens"`
	// ImageDetail applies to image files that do not specify one.
	ImageDetail ImageDetail `json:"image_detail,omitempty"`
}

// PromptTemplate is the app's prompt definition.
type PromptTemplate struct {
	// System is a template with {{variable}} placeholders.
	System string   `json:"system"`
	Stop   []string `json:"stop,omitempty"`
}

// RetrievalConfig bounds the retrieval stage.
type RetrievalConfig struct {
	TopK             int     `json:"top_k"`
	ScoreThreshold   float64 `json:"score_threshold"`
	MaxContextTokens int     `json:"max_context_tokens"`
}

// ExternalDataTool declares one enrichment provider bound to an input variable.
type ExternalDataTool struct {
	Variable string            `json:"variable"`
	Provider string            `json:"provider"`
	Config   map[string]string `json:"config,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
}

// MemoryConfig enables conversation memory.
type MemoryConfig struct {
	Enabled     bool `json:"enabled"`
	MaxTokens   int  `json:"max_tokens"`
	MaxMessages int  `json:"max_messages"`
}

// ModerationConfig selects a moderator and which request parts it sees.
type ModerationConfig struct {
	Enabled        bool              `json:"enabled"`
	Type           string            `json:"type"`
	Config         map[string]string `json:"config,omitempty"`
	CheckInputs    bool              `json:"check_inputs"`
	CheckQuery     bool              `json:"check_query"`
	PresetResponse string            `json:"preset_response,omitempty"`
	// Hosting enables a second check of the assembled prompt.
	Hosting bool `json:"hosting"`
}

// AnnotationConfig enables curated replies.
type AnnotationConfig struct {
	Enabled        bool    `json:"enabled"`
	ScoreThreshold float64 `json:"score_threshold"`
}
