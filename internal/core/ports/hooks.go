package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
)

// RunStatus is the terminal outcome of a run.
type RunStatus string

const (
	RunSucceeded    RunStatus = "succeeded"
	RunShortCircuit RunStatus = "short_circuit"
	RunFailed       RunStatus = "failed"
	RunCancelled    RunStatus = "cancelled"
)

// RunSummary is handed to post-run hooks.
type RunSummary struct {
	TaskID         string
	TenantID       string
	AppID          string
	UserID         string
	ConversationID string
	MessageID      string
	Query          string
	Answer         string
	Model          string
	Status         RunStatus
	ErrorKind      domain.ErrorKind
	ErrorMessage   string
	AnnotationID   string
	Usage          domain.Usage
	StartedAt      time.Time
	FinishedAt     time.Time
}

// RunHook observes finished runs. Hooks are invoked by the caller after the
// run returns and never affect the emitted event stream.
type RunHook interface {
	Name() string
	AfterRun(ctx context.Context, summary *RunSummary) error
}
