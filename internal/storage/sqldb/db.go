// Package sqldb owns the relational database shared by the annotation store,
// the conversation memory store, and the run recorder.
package sqldb

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-app-runner/internal/storage/dialect"
)

// Config selects the driver and connection string.
type Config struct {
	Driver string
	DSN    string
}

// DB wraps a sqlx handle with its dialect.
type DB struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

// Open connects and ensures the schema exists.
func Open(cfg Config) (*DB, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to a private in-memory sqlite database is a new database.
	if d.Name() == "sqlite" && strings.Contains(cfg.DSN, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.InitStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init statement %q: %w", stmt, err)
		}
	}

	out := &DB{db: db, dialect: d}
	if err := out.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return out, nil
}

// OpenSQLite opens a sqlite database file, or ":memory:".
func OpenSQLite(path string) (*DB, error) {
	return Open(Config{Driver: "sqlite", DSN: path})
}

// X returns the underlying handle.
func (d *DB) X() *sqlx.DB {
	return d.db
}

// Dialect returns the active dialect.
func (d *DB) Dialect() dialect.Dialect {
	return d.dialect
}

// Rebind adapts ? placeholders to the dialect.
func (d *DB) Rebind(query string) string {
	return d.dialect.Rebind(query)
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS annotations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			app_id TEXT NOT NULL,
			question TEXT NOT NULL,
			content TEXT NOT NULL,
			hit_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_annotations_scope ON annotations(tenant_id, app_id, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversation_messages (
			seq %s,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, d.dialect.AutoIncrementPrimaryKey()),
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv ON conversation_messages(conversation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS runs (
			task_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			app_id TEXT NOT NULL,
			user_id TEXT,
			conversation_id TEXT,
			message_id TEXT,
			model TEXT,
			status TEXT NOT NULL,
			error_kind TEXT,
			error_message TEXT,
			annotation_id TEXT,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
