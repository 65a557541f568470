// Package backend holds what the model backends share: failure
// classification, parameter decoding, and the registration table that maps
// provider names to backends.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
)

// Classify maps an upstream HTTP status, or the transport error when there
// is no status, to a backend failure sub-kind.
func Classify(status int, err error) domain.BackendErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.BackendRateLimit
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusConflict:
		return domain.BackendTransient
	case status > 0:
		return domain.BackendPermanent
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr):
		return domain.BackendTransient
	}
	return domain.BackendPermanent
}

// Error wraps err as a classified backend RunError. A cancelled context is
// reported as cancellation rather than a backend failure.
func Error(provider string, status int, err error) *domain.RunError {
	if errors.Is(err, context.Canceled) {
		return domain.NewRunError(domain.ErrorKindCancelled, "generation cancelled").
			WithStage("invoking").
			WithCause(err)
	}
	return domain.ErrBackend(Classify(status, err), fmt.Errorf("%s: %w", provider, err)).WithStage("invoking")
}

// Float reads a numeric model parameter.
func Float(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Int reads an integer model parameter.
func Int(params map[string]any, key string) (int64, bool) {
	f, ok := Float(params, key)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Send delivers c unless ctx ends first.
func Send(ctx context.Context, out chan<- domain.Chunk, c domain.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
