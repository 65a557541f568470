// Package ports defines the contracts between the pipeline and its collaborators.
// Implementations live in adapter packages and are injected at wiring time.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
)

// ErrKnowledgeBaseUnreachable distinguishes a failed search from an empty one.
var ErrKnowledgeBaseUnreachable = errors.New("knowledge base unreachable")

// ErrUnknownProvider is returned when a named implementation is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrAppNotFound is returned when a request names an app that is not configured.
var ErrAppNotFound = errors.New("app not found")

// ModelBackend invokes a language model.
type ModelBackend interface {
	// Invoke returns a Completion when req.Stream is false and a chunk channel
	// otherwise. Errors are classified as *domain.RunError with a backend sub-kind.
	Invoke(ctx context.Context, req *domain.InvokeRequest) (*domain.InvokeResult, error)
}

// Scope restricts lookups to one tenant and app.
type Scope struct {
	TenantID string
	AppID    string
}

// SearchLimits bounds a single knowledge base search.
type SearchLimits struct {
	TopK           int
	ScoreThreshold float64
}

// KnowledgeBase searches one indexed dataset.
type KnowledgeBase interface {
	ID() string
	// Search returns an empty slice when nothing matches and an error wrapping
	// ErrKnowledgeBaseUnreachable when the index cannot be queried.
	Search(ctx context.Context, query string, scope Scope, limits SearchLimits) ([]domain.Passage, error)
}

// AnnotationStore finds curated replies.
type AnnotationStore interface {
	// Find returns candidate matches for the query, best first. A nil slice means no match.
	Find(ctx context.Context, query string, scope Scope) ([]domain.AnnotationMatch, error)
}

// EnrichmentRequest is what an external data provider sees.
type EnrichmentRequest struct {
	Variable string
	TenantID string
	AppID    string
	Inputs   map[string]string
	Query    string
	Config   map[string]string
}

// ExternalDataProvider fetches the value of one input variable.
type ExternalDataProvider interface {
	Fetch(ctx context.Context, req *EnrichmentRequest) (string, error)
}

// MemoryStore loads and records conversation history.
type MemoryStore interface {
	// Load returns prior turns oldest first, truncated to the token budget and message limit.
	Load(ctx context.Context, conversationID string, tokenBudget, maxMessages int) ([]domain.Turn, error)
	Append(ctx context.Context, conversationID string, turns ...domain.Turn) error
}

// ModerationRequest is what a moderator sees.
type ModerationRequest struct {
	TenantID string
	AppID    string
	Inputs   map[string]string
	Query    string
	Config   map[string]string
}

// Moderator checks content before generation.
type Moderator interface {
	Moderate(ctx context.Context, req *ModerationRequest) (domain.ModerationOutcome, error)
}

// TokenCounter measures prompts against a model's tokenizer.
type TokenCounter interface {
	CountMessages(ctx context.Context, model string, msgs []domain.PromptMessage) (int, error)
	CountText(model, text string) int
}

// StopFlagStore shares stop requests between processes.
type StopFlagStore interface {
	SetStop(ctx context.Context, taskID string, ttl time.Duration) error
	IsStopped(ctx context.Context, taskID string) (bool, error)
	Clear(ctx context.Context, taskID string) error
}
