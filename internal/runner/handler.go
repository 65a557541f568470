package runner

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/tjfontaine/polyglot-app-runner/internal/backend"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/queue"
)

// publish appends an event. A closed queue is reported as queue_closed so the
// run unwinds without emitting anything further.
func (rn *run) publish(ctx context.Context, payload domain.EventPayload) error {
	err := rn.q.Publish(ctx, payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrQueueClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return domain.NewRunError(domain.ErrorKindQueueClosed, "queue closed").WithCause(err)
	}
	return domain.ErrInternal(err)
}

// respondDirect publishes text as the whole answer without invoking a model.
func (rn *run) respondDirect(ctx context.Context, text, annotationID string) error {
	if text != "" {
		if err := rn.publish(ctx, domain.TextChunk{Text: text}); err != nil {
			return err
		}
	}
	end := domain.MessageEnd{
		MessageID:    rn.req.MessageID,
		Answer:       text,
		AnnotationID: annotationID,
	}
	end.Usage.Latency = rn.now().Sub(rn.start)
	if err := rn.publish(ctx, end); err != nil {
		return err
	}
	rn.finish(ports.RunShortCircuit, text, end.Usage)
	return nil
}

// respondCompletion republishes a blocking result as one chunk.
func (rn *run) respondCompletion(ctx context.Context, c *domain.Completion) error {
	if c.Text != "" {
		if err := rn.publish(ctx, domain.TextChunk{Text: c.Text}); err != nil {
			return err
		}
	}
	usage := c.Usage
	return rn.complete(ctx, c.Text, c.FinishReason, &usage)
}

// consume republishes streamed deltas in arrival order until the backend
// closes the stream, fails, or the run is stopped.
func (rn *run) consume(ctx context.Context, chunks <-chan domain.Chunk) error {
	var answer strings.Builder
	var usage *domain.Usage
	var finish string

	for {
		select {
		case <-ctx.Done():
			return domain.NewRunError(domain.ErrorKindCancelled, "generation stopped").WithCause(ctx.Err())
		case c, ok := <-chunks:
			if !ok {
				return rn.complete(ctx, answer.String(), finish, usage)
			}
			if c.Err != nil {
				return backendError(rn.model.Provider, c.Err)
			}
			if c.Delta != "" {
				answer.WriteString(c.Delta)
				if err := rn.publish(ctx, domain.TextChunk{Text: c.Delta}); err != nil {
					return err
				}
			}
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
			if c.Usage != nil {
				usage = c.Usage
			}
		}
	}
}

// complete ends a generated answer with its usage and sources.
func (rn *run) complete(ctx context.Context, answer, finishReason string, reported *domain.Usage) error {
	end := domain.MessageEnd{
		MessageID:    rn.req.MessageID,
		Answer:       answer,
		FinishReason: finishReason,
		Usage:        rn.usage(answer, reported),
	}
	if rn.app.ShowRetrieveSource && !rn.retrieved.Empty() {
		end.RetrieverResources = rn.retrieved.Passages
	}
	if err := rn.publish(ctx, end); err != nil {
		return err
	}
	rn.finish(ports.RunSucceeded, answer, end.Usage)
	return nil
}

// usage prefers what the backend reported and counts locally otherwise.
func (rn *run) usage(answer string, reported *domain.Usage) domain.Usage {
	var u domain.Usage
	if reported != nil {
		u = *reported
	}
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		u.PromptTokens = rn.fit.PromptTokens
		u.CompletionTokens = rn.counter.CountText(rn.model.Name, answer)
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	u.Latency = rn.now().Sub(rn.start)
	return u
}

func (rn *run) finish(status ports.RunStatus, answer string, usage domain.Usage) {
	rn.terminal = true
	rn.enter(StateDone)
	rn.out.status = status
	rn.out.answer = answer
	rn.out.usage = usage
	rn.q.Stop(domain.StopCompleted)

	rn.logger.Info("generation finished",
		slog.String("status", string(status)),
		slog.String("model", rn.model.Name),
		slog.Duration("latency", usage.Latency),
		slog.Int("prompt_tokens", usage.PromptTokens),
		slog.Int("completion_tokens", usage.CompletionTokens))
}

// fail moves the run to Failed. Unless the run was stopped from outside, it
// publishes exactly one error event before stopping the queue.
func (rn *run) fail(ctx context.Context, err error) {
	if rn.terminal {
		return
	}
	rn.terminal = true

	rerr := domain.AsRunError(err)
	if rerr.Stage == "" {
		rerr.Stage = string(rn.state)
	}
	stage := rerr.Stage
	rn.enter(StateFailed)

	if rn.interrupted(ctx, rerr) {
		reason := domain.StopCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(rerr, context.DeadlineExceeded) {
			reason = domain.StopTimeout
		}
		rn.q.Stop(reason)

		rn.out.status = ports.RunCancelled
		rn.out.err = domain.NewRunError(domain.ErrorKindCancelled, "generation stopped").
			WithStage(stage).
			WithCause(rerr)
		rn.logger.Info("generation stopped", slog.String("stage", stage))
		return
	}

	rn.out.status = ports.RunFailed
	rn.out.err = rerr
	rn.logger.Error("generation failed",
		slog.String("kind", string(rerr.Kind)),
		slog.String("stage", stage),
		slog.String("error", rerr.Error()))

	if perr := rn.q.Publish(ctx, rerr.Payload()); perr != nil {
		rn.logger.Debug("error event not delivered", slog.String("error", perr.Error()))
	}
	rn.q.Stop(domain.StopFailed)
}

// interrupted reports whether the failure is the consequence of a stop.
func (rn *run) interrupted(ctx context.Context, rerr *domain.RunError) bool {
	if rerr.Kind == domain.ErrorKindCancelled || rerr.Kind == domain.ErrorKindQueueClosed {
		return true
	}
	return rn.q.IsStopped() || ctx.Err() != nil
}

// backendError keeps classified errors and classifies the rest.
func backendError(provider string, err error) *domain.RunError {
	var rerr *domain.RunError
	if errors.As(err, &rerr) {
		return rerr
	}
	return backend.Error(provider, 0, err)
}
