// Package dialect abstracts the SQL differences between the supported
// databases so sqldb can write one set of queries with ? placeholders.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect is the set of per-database knobs sqldb needs.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// DriverName returns the database/sql driver to open.
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// UpsertClause returns the ON CONFLICT clause for an upsert keyed on
	// conflictColumns.
	UpsertClause(conflictColumns []string, updateColumns []string) string

	// InitStatements returns statements run once after opening the
	// connection (PRAGMA for SQLite).
	InitStatements() []string
}

// New returns the dialect for a configured driver name.
func New(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return &sqliteDialect{}, nil
	case "postgres", "pgx":
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}
}

type sqliteDialect struct{}

func (d *sqliteDialect) Name() string       { return "sqlite" }
func (d *sqliteDialect) DriverName() string { return "sqlite" }

func (d *sqliteDialect) Rebind(query string) string { return query }

func (d *sqliteDialect) UpsertClause(conflictColumns, updateColumns []string) string {
	return upsertOnConflict(conflictColumns, updateColumns)
}

func (d *sqliteDialect) InitStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
}

type postgresDialect struct{}

func (d *postgresDialect) Name() string       { return "postgres" }
func (d *postgresDialect) DriverName() string { return "pgx" }

func (d *postgresDialect) Rebind(query string) string {
	var b strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&b, "$%d", idx)
			idx++
		} else {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

func (d *postgresDialect) UpsertClause(conflictColumns, updateColumns []string) string {
	return upsertOnConflict(conflictColumns, updateColumns)
}

func (d *postgresDialect) InitStatements() []string { return nil }

// upsertOnConflict builds the shared ON CONFLICT syntax; SQLite and
// PostgreSQL agree on the excluded.* form.
func upsertOnConflict(conflictColumns, updateColumns []string) string {
	target := strings.Join(conflictColumns, ", ")
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", target)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s=excluded.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", target, strings.Join(updates, ", "))
}
