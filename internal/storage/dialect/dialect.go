// Package dialect hides the SQL differences between the supported databases.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect describes one SQL database flavour.
type Dialect interface {
	// Name is the configuration name ("sqlite", "postgres").
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	// Rebind converts ? placeholders to the dialect's form.
	Rebind(query string) string
	// AutoIncrementPrimaryKey is the column definition of a surrogate key.
	AutoIncrementPrimaryKey() string
	// UpsertClause builds the conflict clause of an INSERT.
	UpsertClause(conflictColumn string, updateColumns []string) string
	// InitStatements run once after the connection opens.
	InitStatements() []string
}

// Type names a supported dialect.
type Type string

const (
	SQLite   Type = "sqlite"
	Postgres Type = "postgres"
)

// New returns the dialect for t.
func New(t Type) (Dialect, error) {
	switch t {
	case SQLite:
		return sqliteDialect{}, nil
	case Postgres:
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", t)
	}
}

// FromDriverName accepts driver aliases as they appear in configuration.
func FromDriverName(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return "sqlite" }
func (sqliteDialect) DriverName() string         { return "sqlite" }
func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) AutoIncrementPrimaryKey() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (sqliteDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	return upsert(conflictColumn, updateColumns, "excluded")
}

func (sqliteDialect) InitStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "pgx" }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (postgresDialect) AutoIncrementPrimaryKey() string {
	return "BIGSERIAL PRIMARY KEY"
}

func (postgresDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	return upsert(conflictColumn, updateColumns, "EXCLUDED")
}

func (postgresDialect) InitStatements() []string {
	return nil
}

func upsert(conflictColumn string, updateColumns []string, excluded string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictColumn)
	}
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = fmt.Sprintf("%s = %s.%s", col, excluded, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumn, strings.Join(sets, ", "))
}
