package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestRunError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *RunError
		expected string
	}{
		{
			name:     "kind and message",
			err:      NewRunError(ErrorKindModerationRejected, "blocked"),
			expected: "moderation_rejected: blocked",
		},
		{
			name:     "sub kind and cause",
			err:      ErrBackend(BackendRateLimit, errors.New("429")),
			expected: "backend_invocation (rate_limit): 429",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRunError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		err       *RunError
		status    int
		retryable bool
	}{
		{ErrContextOverflow(9000, 8192, 64), http.StatusBadRequest, false},
		{NewRunError(ErrorKindModerationRejected, ""), http.StatusBadRequest, false},
		{ErrRetrievalUnavailable("docs", errors.New("down")), http.StatusServiceUnavailable, true},
		{ErrBackend(BackendRateLimit, nil), http.StatusTooManyRequests, true},
		{ErrBackend(BackendTransient, nil), http.StatusBadGateway, true},
		{ErrBackend(BackendPermanent, nil), http.StatusUnprocessableEntity, false},
		{NewRunError(ErrorKindCancelled, ""), 499, false},
		{ErrInternal(errors.New("boom")), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.status {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.status)
			}
			if got := tt.err.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestAsRunError(t *testing.T) {
	if AsRunError(nil) != nil {
		t.Error("AsRunError(nil) should be nil")
	}

	cause := errors.New("disk full")
	re := AsRunError(cause)
	if re.Kind != ErrorKindInternal || !errors.Is(re, cause) {
		t.Errorf("unknown error should become internal, got %+v", re)
	}

	wrapped := fmt.Errorf("stage: %w", ErrRetrievalUnavailable("docs", cause).WithStage("retrieving"))
	re = AsRunError(wrapped)
	if re.Kind != ErrorKindRetrievalUnavailable || re.Stage != "retrieving" {
		t.Errorf("wrapped run error lost: %+v", re)
	}
	if !IsKind(wrapped, ErrorKindRetrievalUnavailable) || IsKind(wrapped, ErrorKindInternal) {
		t.Error("IsKind mismatch")
	}

	p := re.Payload()
	if p.Kind != ErrorKindRetrievalUnavailable || !p.Retryable || p.Stage != "retrieving" {
		t.Errorf("Payload() = %+v", p)
	}
}
