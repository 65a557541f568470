package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// ErrRunNotFound is returned by GetRun for unknown task ids.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is a persisted run summary.
type RunRecord struct {
	TaskID           string         `db:"task_id"`
	TenantID         string         `db:"tenant_id"`
	AppID            string         `db:"app_id"`
	UserID           sql.NullString `db:"user_id"`
	ConversationID   sql.NullString `db:"conversation_id"`
	MessageID        sql.NullString `db:"message_id"`
	Model            sql.NullString `db:"model"`
	Status           string         `db:"status"`
	ErrorKind        sql.NullString `db:"error_kind"`
	ErrorMessage     sql.NullString `db:"error_message"`
	AnnotationID     sql.NullString `db:"annotation_id"`
	PromptTokens     int            `db:"prompt_tokens"`
	CompletionTokens int            `db:"completion_tokens"`
	LatencyMS        int64          `db:"latency_ms"`
	StartedAt        time.Time      `db:"started_at"`
	FinishedAt       time.Time      `db:"finished_at"`
}

// RunRecorder persists run summaries. It is a post-run hook.
type RunRecorder struct {
	db *DB
}

// NewRunRecorder creates a recorder over db.
func NewRunRecorder(db *DB) *RunRecorder {
	return &RunRecorder{db: db}
}

// Name identifies the hook in logs.
func (r *RunRecorder) Name() string {
	return "run_recorder"
}

// AfterRun upserts the summary keyed by task id.
func (r *RunRecorder) AfterRun(ctx context.Context, s *ports.RunSummary) error {
	query := `INSERT INTO runs (task_id, tenant_id, app_id, user_id, conversation_id, message_id, model, status,
		error_kind, error_message, annotation_id, prompt_tokens, completion_tokens, latency_ms, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
		r.db.dialect.UpsertClause("task_id", []string{
			"status", "error_kind", "error_message", "prompt_tokens", "completion_tokens", "latency_ms", "finished_at",
		})

	_, err := r.db.db.ExecContext(ctx, r.db.Rebind(query),
		s.TaskID, s.TenantID, s.AppID,
		nullString(s.UserID), nullString(s.ConversationID), nullString(s.MessageID), nullString(s.Model),
		string(s.Status), nullString(string(s.ErrorKind)), nullString(s.ErrorMessage), nullString(s.AnnotationID),
		s.Usage.PromptTokens, s.Usage.CompletionTokens, s.FinishedAt.Sub(s.StartedAt).Milliseconds(),
		s.StartedAt.UTC(), s.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", s.TaskID, err)
	}
	return nil
}

// GetRun loads one run summary.
func (d *DB) GetRun(ctx context.Context, taskID string) (*RunRecord, error) {
	var rec RunRecord
	err := d.db.GetContext(ctx, &rec, d.Rebind(`SELECT * FROM runs WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", taskID, err)
	}
	return &rec, nil
}

// RunListOptions filters ListRuns. Empty fields match everything.
type RunListOptions struct {
	TenantID string
	AppID    string
	Status   string
	Limit    int
	Offset   int
}

// ListRuns returns run summaries, most recent first.
func (d *DB) ListRuns(ctx context.Context, opts RunListOptions) ([]RunRecord, error) {
	query := `SELECT * FROM runs WHERE 1=1`
	var args []any
	if opts.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, opts.TenantID)
	}
	if opts.AppID != "" {
		query += ` AND app_id = ?`
		args = append(args, opts.AppID)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY started_at DESC, task_id LIMIT ? OFFSET ?`
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, opts.Offset)

	var out []RunRecord
	if err := d.db.SelectContext(ctx, &out, d.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ ports.RunHook = (*RunRecorder)(nil)
