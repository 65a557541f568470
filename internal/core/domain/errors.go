package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the category of a run failure.
type ErrorKind string

const (
	ErrorKindModerationRejected   ErrorKind = "moderation_rejected"
	ErrorKindEnrichmentFailure    ErrorKind = "enrichment_provider_failure"
	ErrorKindRetrievalUnavailable ErrorKind = "retrieval_unavailable"
	ErrorKindContextOverflow      ErrorKind = "context_overflow"
	ErrorKindBackendInvocation    ErrorKind = "backend_invocation"
	ErrorKindQueueClosed          ErrorKind = "queue_closed"
	ErrorKindCancelled            ErrorKind = "cancelled"
	ErrorKindInternal             ErrorKind = "internal"
)

// BackendErrorKind refines ErrorKindBackendInvocation.
type BackendErrorKind string

const (
	BackendRateLimit BackendErrorKind = "rate_limit"
	BackendTransient BackendErrorKind = "transient"
	BackendPermanent BackendErrorKind = "permanent"
)

// RunError is the typed failure surfaced by the pipeline.
type RunError struct {
	Kind    ErrorKind
	SubKind BackendErrorKind
	// Stage is the pipeline state in which the error was raised.
	Stage   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.SubKind != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.SubKind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap exposes the cause.
func (e *RunError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same request.
func (e *RunError) Retryable() bool {
	if e.Kind == ErrorKindRetrievalUnavailable {
		return true
	}
	return e.Kind == ErrorKindBackendInvocation &&
		(e.SubKind == BackendRateLimit || e.SubKind == BackendTransient)
}

// HTTPStatusCode maps the failure to a status for non-streaming responses.
func (e *RunError) HTTPStatusCode() int {
	switch e.Kind {
	case ErrorKindContextOverflow, ErrorKindModerationRejected:
		return http.StatusBadRequest
	case ErrorKindRetrievalUnavailable:
		return http.StatusServiceUnavailable
	case ErrorKindBackendInvocation:
		switch e.SubKind {
		case BackendRateLimit:
			return http.StatusTooManyRequests
		case BackendTransient:
			return http.StatusBadGateway
		}
		return http.StatusUnprocessableEntity
	case ErrorKindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Payload renders the error as a queue event body.
func (e *RunError) Payload() ErrorPayload {
	return ErrorPayload{
		Kind:      e.Kind,
		SubKind:   e.SubKind,
		Stage:     e.Stage,
		Message:   e.Error(),
		Retryable: e.Retryable(),
	}
}

// NewRunError creates a run error of the given kind.
func NewRunError(kind ErrorKind, message string) *RunError {
	return &RunError{Kind: kind, Message: message}
}

// WithSubKind sets the backend sub-kind.
func (e *RunError) WithSubKind(sub BackendErrorKind) *RunError {
	e.SubKind = sub
	return e
}

// WithStage records the pipeline state.
func (e *RunError) WithStage(stage string) *RunError {
	e.Stage = stage
	return e
}

// WithCause attaches the underlying error.
func (e *RunError) WithCause(err error) *RunError {
	e.Err = err
	return e
}

// ErrContextOverflow reports a prompt that leaves no room for output.
func ErrContextOverflow(promptTokens, window, floor int) *RunError {
	return NewRunError(ErrorKindContextOverflow,
		fmt.Sprintf("prompt uses %d of %d tokens, leaving less than the %d token output floor", promptTokens, window, floor))
}

// ErrRetrievalUnavailable reports an unreachable knowledge base.
func ErrRetrievalUnavailable(kbID string, cause error) *RunError {
	return NewRunError(ErrorKindRetrievalUnavailable,
		fmt.Sprintf("knowledge base %s unavailable", kbID)).WithCause(cause)
}

// ErrBackend reports a classified backend failure.
func ErrBackend(sub BackendErrorKind, cause error) *RunError {
	return NewRunError(ErrorKindBackendInvocation, "").WithSubKind(sub).WithCause(cause)
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(cause error) *RunError {
	return NewRunError(ErrorKindInternal, "").WithCause(cause)
}

// AsRunError extracts a RunError from err, converting unknown errors to internal ones.
func AsRunError(err error) *RunError {
	if err == nil {
		return nil
	}
	var re *RunError
	if errors.As(err, &re) {
		return re
	}
	return ErrInternal(err)
}

// IsKind reports whether err is a RunError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *RunError
	return errors.As(err, &re) && re.Kind == kind
}
