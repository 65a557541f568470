package memory

import (
	"context"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// Recorder appends the exchange of a finished run to its conversation. It is a
// post-run hook, so the write happens after the event stream has ended.
type Recorder struct {
	store ports.MemoryStore
}

// NewRecorder creates a recorder over store.
func NewRecorder(store ports.MemoryStore) *Recorder {
	return &Recorder{store: store}
}

// Name identifies the hook in logs.
func (r *Recorder) Name() string {
	return "conversation_recorder"
}

// AfterRun records successful and short-circuited exchanges that belong to a conversation.
func (r *Recorder) AfterRun(ctx context.Context, s *ports.RunSummary) error {
	if s.ConversationID == "" || s.Answer == "" {
		return nil
	}
	if s.Status != ports.RunSucceeded && s.Status != ports.RunShortCircuit {
		return nil
	}
	return r.store.Append(ctx, s.ConversationID,
		domain.Turn{Role: domain.RoleUser, Content: s.Query},
		domain.Turn{Role: domain.RoleAssistant, Content: s.Answer},
	)
}

var _ ports.RunHook = (*Recorder)(nil)
