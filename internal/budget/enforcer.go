// Package budget keeps prompt plus requested output inside a model's context window.
package budget

import (
	"context"
	"fmt"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// DefaultMinOutputTokens is the output floor when an app does not set one.
const DefaultMinOutputTokens = 16

// Result is the outcome of an enforcement.
type Result struct {
	PromptTokens int
	// MaxTokens is the output limit to send. Zero means the backend default.
	MaxTokens int
	// Reduced is true when MaxTokens was lowered to fit the window.
	Reduced bool
}

// Fit reduces requested so that prompt+requested fits window. It fails with a
// context overflow when the remaining room is below floor. A zero request only
// checks that floor tokens remain.
func Fit(window, prompt, requested, floor int) (Result, error) {
	if floor <= 0 {
		floor = DefaultMinOutputTokens
	}
	res := Result{PromptTokens: prompt, MaxTokens: requested}
	if window <= 0 {
		return res, nil
	}

	room := window - prompt
	if room < floor {
		return res, domain.ErrContextOverflow(prompt, window, floor)
	}
	if requested > room {
		res.MaxTokens = room
		res.Reduced = true
	}
	return res, nil
}

// Enforcer counts the prompt and applies Fit.
type Enforcer struct {
	counter ports.TokenCounter
}

// NewEnforcer creates an enforcer over counter.
func NewEnforcer(counter ports.TokenCounter) *Enforcer {
	return &Enforcer{counter: counter}
}

// Enforce measures msgs for model and fits the requested output.
func (e *Enforcer) Enforce(ctx context.Context, model domain.ModelConfig, msgs []domain.PromptMessage, floor int) (Result, error) {
	prompt, err := e.counter.CountMessages(ctx, model.Name, msgs)
	if err != nil {
		return Result{}, fmt.Errorf("count prompt tokens: %w", err)
	}
	return Fit(model.ContextWindow, prompt, model.MaxTokens, floor)
}
