package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-app-runner/internal/budget"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/memory"
	"github.com/tjfontaine/polyglot-app-runner/internal/prompt"
	"github.com/tjfontaine/polyglot-app-runner/internal/retrieval"
)

// State is a step of the run state machine.
type State string

const (
	StateInit         State = "init"
	StateModerating   State = "moderating"
	StateShortCircuit State = "short_circuit"
	StateEnriching    State = "enriching"
	StateRetrieving   State = "retrieving"
	StateAssembling   State = "assembling"
	StateBudgetCheck  State = "budget_check"
	StateInvoking     State = "invoking"
	StateStreaming    State = "streaming"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// outcome is what a finished run reports to Execute.
type outcome struct {
	status       ports.RunStatus
	query        string
	answer       string
	model        string
	annotationID string
	usage        domain.Usage
	err          *domain.RunError
	startedAt    time.Time
	finishedAt   time.Time
}

// run is the mutable state of one execution.
type run struct {
	*Runner

	req    *domain.GenerationRequest
	q      Queue
	scope  ports.Scope
	model  domain.ModelConfig
	logger *slog.Logger
	start  time.Time

	state    State
	terminal bool

	inputs    map[string]string
	query     string
	retrieved *domain.RetrievedContext
	prompt    domain.Prompt
	fit       budget.Result

	out outcome
}

// step runs one stage. finished reports that the run reached a terminal
// state inside the step.
type step func(ctx context.Context) (finished bool, err error)

func (r *Runner) exec(ctx context.Context, req *domain.GenerationRequest, q Queue) (out *outcome) {
	model := req.Model
	if model.Name == "" {
		model = r.app.Model
	}
	rn := &run{
		Runner: r,
		req:    req,
		q:      q,
		scope:  ports.Scope{TenantID: req.TenantID, AppID: req.AppID},
		model:  model,
		logger: r.logger.With(
			slog.String("task_id", q.TaskID()),
			slog.String("app_id", req.AppID),
			slog.String("tenant_id", req.TenantID)),
		start:  r.now(),
		state:  StateInit,
		inputs: req.CloneInputs(),
		query:  req.Query,
	}
	rn.out.startedAt = rn.start
	rn.out.model = model.Name
	rn.out.query = req.Query

	ctx, span := r.tracer.Start(ctx, "generation.run", trace.WithAttributes(
		attribute.String("task_id", q.TaskID()),
		attribute.String("app_id", req.AppID),
		attribute.String("model", model.Name),
		attribute.Bool("stream", req.Stream),
	))
	defer span.End()

	// A stop from the consumer cancels whatever the run is waiting on.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		if p := recover(); p != nil {
			rn.fail(ctx, domain.ErrInternal(fmt.Errorf("panic: %v", p)))
		}
		rn.out.finishedAt = r.now()
		span.SetAttributes(attribute.String("status", string(rn.out.status)))
		if rn.out.err != nil {
			span.RecordError(rn.out.err)
			span.SetStatus(codes.Error, string(rn.out.err.Kind))
		}
		out = &rn.out
	}()

	rn.execute(ctx)
	return &rn.out
}

func (rn *run) execute(ctx context.Context) {
	steps := []step{
		rn.precheck,
		rn.moderate,
		rn.annotate,
		rn.enrich,
		rn.retrieve,
		rn.assemble,
		rn.enforceBudget,
		rn.invoke,
	}
	for _, s := range steps {
		if err := rn.checkpoint(ctx); err != nil {
			rn.fail(ctx, err)
			return
		}
		finished, err := s(ctx)
		if err != nil {
			rn.fail(ctx, err)
			return
		}
		if finished {
			return
		}
	}
	// invoke always finishes the run.
	rn.fail(ctx, domain.ErrInternal(errors.New("run ended without a result")))
}

func (rn *run) enter(s State) {
	rn.logger.Debug("state transition",
		slog.String("from", string(rn.state)),
		slog.String("to", string(s)))
	rn.state = s
	if rn.observer != nil {
		rn.observer(rn.q.TaskID(), s)
	}
}

func (rn *run) span(ctx context.Context, name string) (context.Context, trace.Span) {
	return rn.tracer.Start(ctx, name)
}

// checkpoint reports a stop requested between stages.
func (rn *run) checkpoint(ctx context.Context) error {
	if rn.q.IsStopped() {
		return domain.NewRunError(domain.ErrorKindCancelled, "generation stopped")
	}
	if err := ctx.Err(); err != nil {
		return domain.NewRunError(domain.ErrorKindCancelled, "generation stopped").WithCause(err)
	}
	return nil
}

// precheck fails fast when the template and query alone overflow the window.
func (rn *run) precheck(ctx context.Context) (bool, error) {
	if rn.model.ContextWindow <= 0 {
		return false, nil
	}
	p := rn.build(nil, nil)
	if _, err := rn.budget.Enforce(ctx, rn.model, p.Messages, rn.app.MinOutputTokens); err != nil {
		return false, err
	}
	return false, nil
}

func (rn *run) moderate(ctx context.Context) (bool, error) {
	rn.enter(StateModerating)
	if rn.moderation == nil || !rn.moderation.Enabled() {
		return false, nil
	}

	ctx, span := rn.span(ctx, "moderation")
	defer span.End()

	out, err := rn.moderation.Check(ctx, rn.scope, rn.inputs, rn.query)
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.String("verdict", string(out.Verdict)))

	switch out.Verdict {
	case domain.ModerationRejected:
		rn.enter(StateShortCircuit)
		return true, rn.respondDirect(ctx, out.Message, "")
	case domain.ModerationFlagged:
		rn.inputs, rn.query = out.Inputs, out.Query
		rn.out.query = out.Query
	}
	return false, nil
}

// annotate answers from a curated reply when one matches. A failing store
// does not block generation.
func (rn *run) annotate(ctx context.Context) (bool, error) {
	if rn.annotations == nil || !rn.app.Annotation.Enabled || rn.query == "" {
		return false, nil
	}

	ctx, span := rn.span(ctx, "annotation")
	defer span.End()

	match, err := rn.annotations.Find(ctx, rn.query, rn.scope, rn.app.Annotation.ScoreThreshold)
	if err != nil {
		rn.logger.Warn("annotation lookup failed", slog.String("error", err.Error()))
		return false, nil
	}
	if match == nil {
		return false, nil
	}

	rn.enter(StateShortCircuit)
	rn.out.annotationID = match.ID
	reply := domain.AnnotationReply{AnnotationID: match.ID, Content: match.Content, Score: match.Score}
	if err := rn.publish(ctx, reply); err != nil {
		return false, err
	}
	return true, rn.respondDirect(ctx, match.Content, match.ID)
}

func (rn *run) enrich(ctx context.Context) (bool, error) {
	rn.enter(StateEnriching)
	if len(rn.bindings) == 0 {
		return false, nil
	}

	ctx, span := rn.span(ctx, "enrichment")
	defer span.End()

	res := rn.enricher.Enrich(ctx, rn.scope, rn.bindings, rn.inputs, rn.query)
	rn.inputs = res.Inputs
	span.SetAttributes(
		attribute.Int("providers", len(rn.bindings)),
		attribute.Int("failures", len(res.Failures)))
	return false, nil
}

func (rn *run) retrieve(ctx context.Context) (bool, error) {
	rn.enter(StateRetrieving)
	if len(rn.app.KnowledgeBases) == 0 {
		return false, nil
	}
	if rn.retriever == nil {
		return false, domain.ErrRetrievalUnavailable(rn.app.KnowledgeBases[0],
			errors.New("no retriever configured"))
	}

	ctx, span := rn.span(ctx, "retrieval")
	defer span.End()

	rc, err := rn.retriever.Retrieve(ctx, &retrieval.Request{
		Scope:          rn.scope,
		KnowledgeBases: rn.app.KnowledgeBases,
		Query:          rn.query,
		Model:          rn.model.Name,
		Config:         rn.app.Retrieval,
	})
	if err != nil {
		return false, err
	}
	rn.retrieved = rc
	span.SetAttributes(attribute.Int("passages", len(rc.Passages)))

	if rn.app.ShowRetrieveSource && !rc.Empty() {
		if err := rn.publish(ctx, domain.RetrieverResources{Resources: rc.Passages}); err != nil {
			return false, err
		}
	}
	return false, nil
}

// assemble builds the final prompt with memory and context, then applies
// hosting moderation to it.
func (rn *run) assemble(ctx context.Context) (bool, error) {
	rn.enter(StateAssembling)

	ctx, span := rn.span(ctx, "assemble")
	defer span.End()

	history, err := rn.loadMemory(ctx)
	if err != nil {
		return false, err
	}
	rn.prompt = rn.build(history, rn.retrieved)
	span.SetAttributes(
		attribute.Int("messages", len(rn.prompt.Messages)),
		attribute.Int("history_turns", len(history)))

	if rn.moderation == nil {
		return false, nil
	}
	out, err := rn.moderation.CheckPrompt(ctx, rn.scope, rn.prompt)
	if err != nil {
		return false, err
	}
	if out.Verdict == domain.ModerationRejected {
		rn.enter(StateShortCircuit)
		return true, rn.respondDirect(ctx, out.Message, "")
	}
	return false, nil
}

// loadMemory fetches the turns that fit next to the rest of the prompt and
// the output reservation.
func (rn *run) loadMemory(ctx context.Context) ([]domain.Turn, error) {
	if !rn.app.Memory.Enabled || rn.memory == nil || rn.req.ConversationID == "" {
		return nil, nil
	}

	base := rn.build(nil, rn.retrieved)
	used, err := rn.counter.CountMessages(ctx, rn.model.Name, base.Messages)
	if err != nil {
		return nil, fmt.Errorf("count prompt tokens: %w", err)
	}
	reserve := max(rn.model.MaxTokens, rn.floor())
	limit := memory.Budget(rn.app.Memory.MaxTokens, rn.model.ContextWindow, reserve, used)
	if limit == 0 {
		return nil, nil
	}

	turns, err := rn.memory.Load(ctx, rn.req.ConversationID, limit, rn.app.Memory.MaxMessages)
	if err != nil {
		return nil, fmt.Errorf("load conversation memory: %w", err)
	}
	return turns, nil
}

func (rn *run) enforceBudget(ctx context.Context) (bool, error) {
	rn.enter(StateBudgetCheck)

	_, span := rn.span(ctx, "budget")
	defer span.End()

	fit, err := rn.budget.Enforce(ctx, rn.model, rn.prompt.Messages, rn.app.MinOutputTokens)
	if err != nil {
		return false, err
	}
	rn.fit = fit
	span.SetAttributes(
		attribute.Int("prompt_tokens", fit.PromptTokens),
		attribute.Int("max_tokens", fit.MaxTokens))
	if fit.Reduced {
		rn.logger.Debug("output tokens reduced to fit the context window",
			slog.Int("requested", rn.model.MaxTokens),
			slog.Int("max_tokens", fit.MaxTokens),
			slog.Int("prompt_tokens", fit.PromptTokens))
	}
	return false, nil
}

func (rn *run) invoke(ctx context.Context) (bool, error) {
	rn.enter(StateInvoking)

	ctx, span := rn.span(ctx, "invoke")
	defer span.End()

	res, err := rn.backend.Invoke(ctx, &domain.InvokeRequest{
		Model:      rn.model.Name,
		Messages:   rn.prompt.Messages,
		Parameters: rn.model.Parameters,
		MaxTokens:  rn.fit.MaxTokens,
		Stop:       rn.prompt.Stop,
		Stream:     rn.req.Stream,
		User:       rn.req.UserID,
	})
	if err != nil {
		return false, backendError(rn.model.Provider, err)
	}

	rn.enter(StateStreaming)
	if res.Completion != nil {
		return true, rn.respondCompletion(ctx, res.Completion)
	}
	if res.Chunks == nil {
		return false, domain.ErrInternal(errors.New("backend returned neither completion nor stream"))
	}
	return true, rn.consume(ctx, res.Chunks)
}

func (rn *run) build(history []domain.Turn, rc *domain.RetrievedContext) domain.Prompt {
	return rn.assembler.Assemble(&prompt.Input{
		Template:    rn.app.Prompt,
		Inputs:      rn.inputs,
		Query:       rn.query,
		Files:       rn.req.Files,
		ImageDetail: rn.app.ImageDetail,
		History:     history,
		Context:     rc,
	})
}

func (rn *run) floor() int {
	if rn.app.MinOutputTokens > 0 {
		return rn.app.MinOutputTokens
	}
	return budget.DefaultMinOutputTokens
}
