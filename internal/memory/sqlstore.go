package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/storage/sqldb"
)

// SQLStore keeps conversation turns in the shared relational database.
type SQLStore struct {
	db      *sqldb.DB
	measure MeasureFunc
}

// NewSQLStore creates a store. A nil measure uses DefaultMeasure.
func NewSQLStore(db *sqldb.DB, measure MeasureFunc) *SQLStore {
	if measure == nil {
		measure = DefaultMeasure
	}
	return &SQLStore{db: db, measure: measure}
}

type messageRow struct {
	Role    string `db:"role"`
	Content string `db:"content"`
}

// Load returns the most recent turns that fit the budget, oldest first.
func (s *SQLStore) Load(ctx context.Context, conversationID string, tokenBudget, maxMessages int) ([]domain.Turn, error) {
	query := `SELECT role, content FROM conversation_messages WHERE conversation_id = ? ORDER BY seq DESC`
	args := []any{conversationID}
	if maxMessages > 0 {
		query += ` LIMIT ?`
		args = append(args, maxMessages)
	}

	var rows []messageRow
	if err := s.db.X().SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	turns := make([]domain.Turn, len(rows))
	for i, r := range rows {
		turns[len(rows)-1-i] = domain.Turn{Role: domain.Role(r.Role), Content: r.Content}
	}
	return Truncate(turns, tokenBudget, maxMessages, s.measure), nil
}

// Append records turns in order.
func (s *SQLStore) Append(ctx context.Context, conversationID string, turns ...domain.Turn) error {
	tx, err := s.db.X().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt := s.db.Rebind(`INSERT INTO conversation_messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`)
	now := time.Now().UTC()
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx, stmt, conversationID, string(t.Role), t.Content, now); err != nil {
			return fmt.Errorf("append to conversation %s: %w", conversationID, err)
		}
	}
	return tx.Commit()
}

var _ ports.MemoryStore = (*SQLStore)(nil)
