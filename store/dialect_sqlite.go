package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"
)

// SQLite is the dialect for github.com/ncruces/go-sqlite3.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Quote(ident string) string { return quoteWith('"', ident) }

func (d SQLite) Qualify(schema, table string) string {
	if schema == "" {
		return d.Quote(table)
	}
	return d.Quote(schema) + "." + d.Quote(table)
}

// Reference omits the schema: SQLite resolves foreign keys within the
// child table's database and rejects qualified names.
func (d SQLite) Reference(_, table string) string { return d.Quote(table) }

func (SQLite) Rebind(query string) string { return query }

func (d SQLite) AutoIncrementKey(column string) string {
	return d.Quote(column) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (SQLite) BigInt() string { return "INTEGER" }

func (SQLite) KeyText(width int) string { return fmt.Sprintf("VARCHAR(%d)", width) }

func (SQLite) Text(width int) string { return fmt.Sprintf("VARCHAR(%d)", width) }

func (SQLite) TableOptions() string { return "" }

func (d SQLite) Upsert(conflict, update []string) string { return excludedUpsert(d, conflict, update) }

func (SQLite) IsDuplicateColumn(err error) bool {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code() == sqlite3.ERROR && strings.Contains(serr.Error(), "duplicate column name")
}

func (d SQLite) TableExists(ctx context.Context, q Querier, schema, table string) (bool, error) {
	master := "sqlite_master"
	if schema != "" {
		master = d.Quote(schema) + ".sqlite_master"
	}
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+master+" WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (SQLite) MaxParams() int { return 32766 }

// SQLiteDSN turns a file path into a DSN with the pragmas the store relies on.
// DSNs that already set pragmas are returned unchanged.
func SQLiteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)"
}
