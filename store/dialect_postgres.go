package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgDuplicateColumn is SQLSTATE duplicate_column.
const pgDuplicateColumn = "42701"

// Postgres is the dialect for github.com/jackc/pgx/v5/stdlib.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Quote(ident string) string { return quoteWith('"', ident) }

func (d Postgres) Qualify(schema, table string) string {
	if schema == "" {
		return d.Quote(table)
	}
	return d.Quote(schema) + "." + d.Quote(table)
}

func (d Postgres) Reference(schema, table string) string { return d.Qualify(schema, table) }

// Rebind numbers placeholders $1, $2, ... skipping quoted identifiers and
// string literals.
func (Postgres) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func (d Postgres) AutoIncrementKey(column string) string {
	return d.Quote(column) + " BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
}

func (Postgres) BigInt() string { return "BIGINT" }

func (Postgres) KeyText(width int) string { return fmt.Sprintf(`VARCHAR(%d) COLLATE "C"`, width) }

func (Postgres) Text(width int) string { return fmt.Sprintf("VARCHAR(%d)", width) }

func (Postgres) TableOptions() string { return "" }

func (d Postgres) Upsert(conflict, update []string) string { return excludedUpsert(d, conflict, update) }

func (Postgres) IsDuplicateColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgDuplicateColumn
}

func (d Postgres) TableExists(ctx context.Context, q Querier, schema, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		d.Rebind("SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = COALESCE(NULLIF(?, ''), current_schema()) AND table_name = ?"),
		schema, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (Postgres) MaxParams() int { return 65535 }
