// Package enrichment fetches external values for input variables before the
// prompt is assembled. Providers run concurrently; results merge in
// declaration order so a later declaration wins regardless of which provider
// finished first.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// Defaults for the worker pool.
const (
	DefaultConcurrency = 4
	DefaultTimeout     = 10 * time.Second
)

// Binding ties one declared variable to a provider instance.
type Binding struct {
	Variable string
	// Provider is the registered type name, used in logs.
	Provider string
	Fetcher  ports.ExternalDataProvider
	Config   map[string]string
	// Timeout overrides the enricher default when positive.
	Timeout time.Duration
}

// Failure records a provider that contributed no value.
type Failure struct {
	Variable string
	Provider string
	TimedOut bool
	Err      *domain.RunError
}

// Result is the merged input mapping and the providers that failed.
type Result struct {
	Inputs   map[string]string
	Failures []Failure
}

// Enricher runs bindings on a bounded pool.
type Enricher struct {
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithConcurrency bounds the number of providers in flight.
func WithConcurrency(n int) Option {
	return func(e *Enricher) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTimeout sets the default per-provider timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Enricher) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enricher) {
		e.logger = logger
	}
}

// New creates an enricher.
func New(opts ...Option) *Enricher {
	e := &Enricher{
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich runs every binding and merges successful values into a copy of
// inputs. Failures never abort the merge.
func (e *Enricher) Enrich(ctx context.Context, scope ports.Scope, bindings []Binding, inputs map[string]string, query string) *Result {
	merged := maps.Clone(inputs)
	if merged == nil {
		merged = make(map[string]string)
	}
	if len(bindings) == 0 {
		return &Result{Inputs: merged}
	}

	// Providers all see the pre-enrichment inputs.
	snapshot := maps.Clone(merged)
	values := make([]string, len(bindings))
	errs := make([]error, len(bindings))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, b := range bindings {
		g.Go(func() error {
			values[i], errs[i] = e.fetch(ctx, scope, b, snapshot, query)
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{Inputs: merged}
	for i, b := range bindings {
		if errs[i] != nil {
			runErr := domain.NewRunError(domain.ErrorKindEnrichmentFailure,
				fmt.Sprintf("provider %s for %s failed", b.Provider, b.Variable)).
				WithStage("enriching").
				WithCause(errs[i])
			f := Failure{
				Variable: b.Variable,
				Provider: b.Provider,
				TimedOut: errors.Is(errs[i], context.DeadlineExceeded),
				Err:      runErr,
			}
			result.Failures = append(result.Failures, f)
			e.logger.Warn("external data provider failed",
				slog.String("app_id", scope.AppID),
				slog.String("variable", b.Variable),
				slog.String("provider", b.Provider),
				slog.Bool("timed_out", f.TimedOut),
				slog.String("error", errs[i].Error()))
			continue
		}
		merged[b.Variable] = values[i]
	}
	return result
}

func (e *Enricher) fetch(ctx context.Context, scope ports.Scope, b Binding, inputs map[string]string, query string) (string, error) {
	if b.Fetcher == nil {
		return "", fmt.Errorf("%w: %s", ports.ErrUnknownProvider, b.Provider)
	}

	timeout := e.timeout
	if b.Timeout > 0 {
		timeout = b.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type fetched struct {
		value string
		err   error
	}
	done := make(chan fetched, 1)
	go func() {
		v, err := b.Fetcher.Fetch(ctx, &ports.EnrichmentRequest{
			Variable: b.Variable,
			TenantID: scope.TenantID,
			AppID:    scope.AppID,
			Inputs:   inputs,
			Query:    query,
			Config:   b.Config,
		})
		done <- fetched{v, err}
	}()

	// A provider that ignores ctx must not hold up the run past its timeout.
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
