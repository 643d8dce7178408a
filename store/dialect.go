package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Dialect isolates the SQL text that differs between backends.
type Dialect interface {
	Name() string
	// Quote quotes a single identifier.
	Quote(ident string) string
	// Qualify returns the quoted, optionally schema-qualified table name.
	Qualify(schema, table string) string
	// Reference returns the table name as written in a REFERENCES clause.
	Reference(schema, table string) string
	// Rebind rewrites "?" placeholders into the backend's own syntax.
	Rebind(query string) string
	// AutoIncrementKey returns the column definition of a surrogate key.
	AutoIncrementKey(column string) string
	BigInt() string
	// KeyText is a text type that compares and sorts bytewise, for
	// indexed columns.
	KeyText(width int) string
	Text(width int) string
	TableOptions() string
	// Upsert returns the clause that turns an INSERT into an upsert on the
	// conflict columns, overwriting the update columns.
	Upsert(conflict, update []string) string
	IsDuplicateColumn(err error) bool
	TableExists(ctx context.Context, q Querier, schema, table string) (bool, error)
	// MaxParams is the number of bind parameters one statement may carry.
	MaxParams() int
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return SQLite{}, nil
	case "mysql":
		return MySQL{}, nil
	case "pgx", "postgres", "postgresql":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// driverName returns the registered database/sql driver for a dialect, so
// every alias DialectFor accepts opens the right driver.
func driverName(d Dialect) string {
	switch d.(type) {
	case SQLite:
		return "sqlite3"
	case Postgres:
		return "pgx"
	default:
		return "mysql"
	}
}

func quoteWith(q byte, ident string) string {
	s := string(q)
	return s + strings.ReplaceAll(ident, s, s+s) + s
}

// excludedUpsert renders the ON CONFLICT form shared by SQLite and
// PostgreSQL.
func excludedUpsert(d Dialect, conflict, update []string) string {
	var b strings.Builder
	b.WriteString("ON CONFLICT (")
	for i, c := range conflict {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Quote(c))
	}
	b.WriteString(") DO UPDATE SET ")
	for i, c := range update {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = excluded.%s", d.Quote(c), d.Quote(c))
	}
	return b.String()
}

// placeholders returns "(?, ?, ...)" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return "()"
	}
	return "(" + strings.Repeat("?, ", n-1) + "?)"
}
