// Package runner sequences one generation run: moderation, annotation
// short-circuit, enrichment, retrieval, prompt assembly with memory, budget
// enforcement and model invocation. Every outcome is published to the run's
// event queue, which always ends with a single stop event.
package runner

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-app-runner/internal/annotation"
	"github.com/tjfontaine/polyglot-app-runner/internal/budget"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/enrichment"
	"github.com/tjfontaine/polyglot-app-runner/internal/moderation"
	"github.com/tjfontaine/polyglot-app-runner/internal/prompt"
	"github.com/tjfontaine/polyglot-app-runner/internal/retrieval"
	"github.com/tjfontaine/polyglot-app-runner/internal/tokens"
)

const tracerName = "github.com/tjfontaine/polyglot-app-runner/internal/runner"

// Queue is the part of *queue.Queue a run publishes to.
type Queue interface {
	TaskID() string
	Publish(ctx context.Context, payload domain.EventPayload) error
	Stop(reason domain.StopReason) bool
	IsStopped() bool
	Done() <-chan struct{}
}

// Runner executes runs for one app. It holds no per-run state and may be
// shared by concurrent runs.
type Runner struct {
	app     domain.AppConfig
	backend ports.ModelBackend

	moderation  *moderation.Stage
	annotations *annotation.Lookup
	enricher    *enrichment.Enricher
	bindings    []enrichment.Binding
	retriever   *retrieval.Retriever
	memory      ports.MemoryStore
	counter     ports.TokenCounter
	assembler   *prompt.Assembler
	budget      *budget.Enforcer

	hooks    []ports.RunHook
	observer func(taskID string, state State)
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithModeration enables input and hosting moderation.
func WithModeration(stage *moderation.Stage) Option {
	return func(r *Runner) {
		r.moderation = stage
	}
}

// WithAnnotations enables the curated reply short-circuit.
func WithAnnotations(lookup *annotation.Lookup) Option {
	return func(r *Runner) {
		r.annotations = lookup
	}
}

// WithEnrichment sets the external data bindings and the pool that runs them.
// A nil enricher uses the defaults.
func WithEnrichment(enricher *enrichment.Enricher, bindings []enrichment.Binding) Option {
	return func(r *Runner) {
		if enricher != nil {
			r.enricher = enricher
		}
		r.bindings = bindings
	}
}

// WithRetriever sets the retriever for the app's knowledge bases.
func WithRetriever(retriever *retrieval.Retriever) Option {
	return func(r *Runner) {
		r.retriever = retriever
	}
}

// WithMemory sets the conversation store.
func WithMemory(store ports.MemoryStore) Option {
	return func(r *Runner) {
		r.memory = store
	}
}

// WithTokenCounter replaces the default tokenizer registry.
func WithTokenCounter(counter ports.TokenCounter) Option {
	return func(r *Runner) {
		r.counter = counter
	}
}

// WithHooks adds post-run hooks invoked by Execute.
func WithHooks(hooks ...ports.RunHook) Option {
	return func(r *Runner) {
		r.hooks = append(r.hooks, hooks...)
	}
}

// WithStateObserver is called on every state transition.
func WithStateObserver(fn func(taskID string, state State)) Option {
	return func(r *Runner) {
		r.observer = fn
	}
}

// WithTracer sets the tracer used for run and stage spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// New creates a runner for app that invokes backend.
func New(app domain.AppConfig, backend ports.ModelBackend, opts ...Option) *Runner {
	r := &Runner{
		app:       app,
		backend:   backend,
		enricher:  enrichment.New(),
		assembler: prompt.NewAssembler(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.counter == nil {
		r.counter = tokens.NewDefaultRegistry()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	r.budget = budget.NewEnforcer(r.counter)
	return r
}

// App returns the configuration the runner was built from.
func (r *Runner) App() domain.AppConfig {
	return r.app
}

// Run executes one generation and publishes its events to q. It never panics
// and always stops q. The returned error is a *domain.RunError describing the
// terminal failure, or nil when the run completed or short-circuited.
func (r *Runner) Run(ctx context.Context, req *domain.GenerationRequest, q Queue) error {
	out := r.exec(ctx, req, q)
	if out.err != nil {
		return out.err
	}
	return nil
}

// Execute is Run followed by the post-run hooks. Hooks see the summary after
// the stream has ended; their failures are logged and never change the outcome.
func (r *Runner) Execute(ctx context.Context, req *domain.GenerationRequest, q Queue) *ports.RunSummary {
	out := r.exec(ctx, req, q)

	summary := &ports.RunSummary{
		TaskID:         q.TaskID(),
		TenantID:       req.TenantID,
		AppID:          req.AppID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Query:          out.query,
		Answer:         out.answer,
		Model:          out.model,
		Status:         out.status,
		AnnotationID:   out.annotationID,
		Usage:          out.usage,
		StartedAt:      out.startedAt,
		FinishedAt:     out.finishedAt,
	}
	if out.err != nil {
		summary.ErrorKind = out.err.Kind
		summary.ErrorMessage = out.err.Error()
	}

	// The caller's context may already be gone when a client disconnects.
	hookCtx := context.WithoutCancel(ctx)
	for _, h := range r.hooks {
		if err := h.AfterRun(hookCtx, summary); err != nil {
			r.logger.Warn("post-run hook failed",
				slog.String("hook", h.Name()),
				slog.String("task_id", summary.TaskID),
				slog.String("error", err.Error()))
		}
	}
	return summary
}
