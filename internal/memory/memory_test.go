package memory

import (
	"context"
	"reflect"
	"testing"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/storage/sqldb"
	"github.com/tjfontaine/polyglot-app-runner/internal/tokens"
)

// lenMeasure makes token arithmetic in tests obvious.
func lenMeasure(s string) int { return len(s) }

func turns(pairs ...string) []domain.Turn {
	var out []domain.Turn
	for i, c := range pairs {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		out = append(out, domain.Turn{Role: role, Content: c})
	}
	return out
}

func TestTruncate(t *testing.T) {
	history := turns("aaaa", "bbbb", "cccc", "dddd")

	tests := []struct {
		name         string
		tokenLimit   int
		messageLimit int
		want         []domain.Turn
	}{
		{name: "everything fits", tokenLimit: 100, messageLimit: 10, want: history},
		{name: "message limit first", tokenLimit: 100, messageLimit: 2, want: history[2:]},
		{name: "token limit drops oldest", tokenLimit: 16, messageLimit: 10, want: history[2:]},
		{name: "framing counts per turn", tokenLimit: 15, messageLimit: 10, want: nil},
		{name: "never starts on assistant", tokenLimit: 24, messageLimit: 10, want: history[2:]},
		{name: "zero budget", tokenLimit: 0, messageLimit: 10, want: nil},
		{name: "unbounded tokens", tokenLimit: -1, messageLimit: 0, want: history},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(history, tt.tokenLimit, tt.messageLimit, lenMeasure)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Truncate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTruncate_MatchesPromptCount(t *testing.T) {
	counter := tokens.NewEstimator()
	measure := func(s string) int { return counter.CountText("m", s) }
	base := []domain.PromptMessage{domain.TextMessage(domain.RoleUser, "next question")}
	history := turns("what are your opening hours", "nine to five on weekdays", "and on weekends?", "closed")

	ctx := context.Background()
	baseCount, err := counter.CountMessages(ctx, "m", base)
	if err != nil {
		t.Fatal(err)
	}

	for limit := 0; limit <= 80; limit++ {
		kept := Truncate(history, limit, 0, measure)

		msgs := make([]domain.PromptMessage, 0, len(kept)+1)
		for _, turn := range kept {
			msgs = append(msgs, domain.TextMessage(turn.Role, turn.Content))
		}
		msgs = append(msgs, base...)
		total, err := counter.CountMessages(ctx, "m", msgs)
		if err != nil {
			t.Fatal(err)
		}
		if total-baseCount > limit {
			t.Fatalf("limit %d: %d turns cost %d prompt tokens", limit, len(kept), total-baseCount)
		}
	}
}

func TestBudget(t *testing.T) {
	tests := []struct {
		name                                  string
		configured, window, maxOut, promptLen int
		want                                  int
	}{
		{"cap smaller than room", 500, 4000, 300, 1000, 500},
		{"room smaller than cap", 5000, 4000, 300, 1000, 2700},
		{"no cap uses room", 0, 4000, 300, 1000, 2700},
		{"window exhausted", 500, 4000, 300, 3900, 0},
		{"no window keeps cap", 500, 0, 300, 1000, 500},
		{"nothing known", 0, 0, 0, 0, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Budget(tt.configured, tt.window, tt.maxOut, tt.promptLen); got != tt.want {
				t.Errorf("Budget() = %d, want %d", got, tt.want)
			}
		})
	}
}

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sqldb.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, lenMeasure)
}

func TestSQLStore_AppendLoad(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "conv-1", turns("q1", "a1", "q2", "a2")...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Append(ctx, "conv-2", turns("other")...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.Load(ctx, "conv-1", 100, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := turns("q1", "a1", "q2", "a2"); !reflect.DeepEqual(got, want) {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	got, err = s.Load(ctx, "conv-1", 100, 2)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := turns("q1", "a1", "q2", "a2")[2:]; !reflect.DeepEqual(got, want) {
		t.Errorf("Load(maxMessages=2) = %+v, want %+v", got, want)
	}

	got, err = s.Load(ctx, "missing", 100, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Load(missing) = %+v, want empty", got)
	}
}

func TestRecorder_AfterRun(t *testing.T) {
	s := newSQLStore(t)
	r := NewRecorder(s)
	ctx := context.Background()

	tests := []struct {
		name    string
		summary *ports.RunSummary
		want    int
	}{
		{"succeeded", &ports.RunSummary{ConversationID: "c", Query: "hi", Answer: "hello", Status: ports.RunSucceeded}, 2},
		{"short circuit", &ports.RunSummary{ConversationID: "c", Query: "bad", Answer: "no", Status: ports.RunShortCircuit}, 4},
		{"failed is skipped", &ports.RunSummary{ConversationID: "c", Query: "x", Answer: "partial", Status: ports.RunFailed}, 4},
		{"no conversation", &ports.RunSummary{Query: "x", Answer: "y", Status: ports.RunSucceeded}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.AfterRun(ctx, tt.summary); err != nil {
				t.Fatalf("AfterRun() error = %v", err)
			}
			got, err := s.Load(ctx, "c", -1, 0)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("conversation has %d turns, want %d", len(got), tt.want)
			}
		})
	}
}
