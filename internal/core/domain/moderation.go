package domain

// ModerationVerdict is the decision made by a moderator.
type ModerationVerdict string

const (
	ModerationPass     ModerationVerdict = "pass"
	ModerationFlagged  ModerationVerdict = "flagged"
	ModerationRejected ModerationVerdict = "rejected"
)

// ModerationOutcome carries the verdict and, depending on it, the rewritten
// request or the rejection message.
type ModerationOutcome struct {
	Verdict ModerationVerdict `json:"verdict"`
	// Inputs and Query replace the originals when Verdict is flagged.
	Inputs map[string]string `json:"inputs,omitempty"`
	Query  string            `json:"query,omitempty"`
	// Message is the user-facing text when Verdict is rejected.
	Message string `json:"message,omitempty"`
}

// Pass is the outcome of an unflagged check.
func Pass() ModerationOutcome {
	return ModerationOutcome{Verdict: ModerationPass}
}

// Reject builds a rejected outcome.
func Reject(message string) ModerationOutcome {
	return ModerationOutcome{Verdict: ModerationRejected, Message: message}
}

// Rewrite builds a flagged outcome carrying replacement values.
func Rewrite(inputs map[string]string, query string) ModerationOutcome {
	return ModerationOutcome{Verdict: ModerationFlagged, Inputs: inputs, Query: query}
}
