package annotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/storage/sqldb"
)

// ErrNotFound is returned by Delete for unknown ids.
var ErrNotFound = errors.New("annotation not found")

// Record is a stored annotation as listed to operators.
type Record struct {
	ID        string    `db:"id" json:"id"`
	Question  string    `db:"question" json:"question"`
	Content   string    `db:"content" json:"content"`
	HitCount  int       `db:"hit_count" json:"hit_count"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SQLStore keeps annotations in the shared relational database and scores
// them against the query in process.
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore creates a store over db.
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

type annotationRow struct {
	ID       string `db:"id"`
	Question string `db:"question"`
	Content  string `db:"content"`
}

// Create adds an annotation and returns its id.
func (s *SQLStore) Create(ctx context.Context, scope ports.Scope, question, content string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.X().ExecContext(ctx,
		s.db.Rebind(`INSERT INTO annotations (id, tenant_id, app_id, question, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		id, scope.TenantID, scope.AppID, question, content, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("create annotation: %w", err)
	}
	return id, nil
}

// Find scores every annotation in scope and returns those with a positive score, best first.
func (s *SQLStore) Find(ctx context.Context, query string, scope ports.Scope) ([]domain.AnnotationMatch, error) {
	var rows []annotationRow
	err := s.db.X().SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT id, question, content FROM annotations WHERE tenant_id = ? AND app_id = ? ORDER BY created_at, id`),
		scope.TenantID, scope.AppID)
	if err != nil {
		return nil, fmt.Errorf("find annotations: %w", err)
	}

	normalized := Normalize(query)
	var out []domain.AnnotationMatch
	for _, r := range rows {
		exact := Normalize(r.Question) == normalized
		score := Similarity(query, r.Question)
		if score <= 0 {
			continue
		}
		out = append(out, domain.AnnotationMatch{
			ID:       r.ID,
			Question: r.Question,
			Content:  r.Content,
			Score:    score,
			Exact:    exact,
			Literal:  r.Question == query,
		})
	}
	Rank(out)
	return out, nil
}

// List returns the annotations in scope, oldest first.
func (s *SQLStore) List(ctx context.Context, scope ports.Scope) ([]Record, error) {
	var out []Record
	err := s.db.X().SelectContext(ctx, &out,
		s.db.Rebind(`SELECT id, question, content, hit_count, created_at FROM annotations WHERE tenant_id = ? AND app_id = ? ORDER BY created_at, id`),
		scope.TenantID, scope.AppID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	return out, nil
}

// Delete removes an annotation.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.X().ExecContext(ctx, s.db.Rebind(`DELETE FROM annotations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RecordHit increments the hit counter of an annotation.
func (s *SQLStore) RecordHit(ctx context.Context, id string) error {
	_, err := s.db.X().ExecContext(ctx, s.db.Rebind(`UPDATE annotations SET hit_count = hit_count + 1 WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("record annotation hit: %w", err)
	}
	return nil
}

// HitCount returns the hit counter of an annotation.
func (s *SQLStore) HitCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.X().GetContext(ctx, &n, s.db.Rebind(`SELECT hit_count FROM annotations WHERE id = ?`), id)
	if err != nil {
		return 0, fmt.Errorf("read annotation hit count: %w", err)
	}
	return n, nil
}

// HitRecorder is a post-run hook that counts annotation replies.
type HitRecorder struct {
	store *SQLStore
}

// NewHitRecorder creates the hook.
func NewHitRecorder(store *SQLStore) *HitRecorder {
	return &HitRecorder{store: store}
}

// Name identifies the hook in logs.
func (h *HitRecorder) Name() string {
	return "annotation_hits"
}

// AfterRun records a hit when the run was answered from an annotation.
func (h *HitRecorder) AfterRun(ctx context.Context, s *ports.RunSummary) error {
	if s.AnnotationID == "" {
		return nil
	}
	return h.store.RecordHit(ctx, s.AnnotationID)
}

var (
	_ ports.AnnotationStore = (*SQLStore)(nil)
	_ ports.RunHook         = (*HitRecorder)(nil)
)
