package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// mysqlDupFieldName is ER_DUP_FIELDNAME.
const mysqlDupFieldName = 1060

// MySQL is the dialect for github.com/go-sql-driver/mysql.
type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) Quote(ident string) string { return quoteWith('`', ident) }

func (d MySQL) Qualify(schema, table string) string {
	if schema == "" {
		return d.Quote(table)
	}
	return d.Quote(schema) + "." + d.Quote(table)
}

func (d MySQL) Reference(schema, table string) string { return d.Qualify(schema, table) }

func (MySQL) Rebind(query string) string { return query }

func (d MySQL) AutoIncrementKey(column string) string {
	return d.Quote(column) + " BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
}

func (MySQL) BigInt() string { return "BIGINT" }

func (MySQL) KeyText(width int) string {
	return fmt.Sprintf("VARCHAR(%d) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin", width)
}

func (MySQL) Text(width int) string { return fmt.Sprintf("VARCHAR(%d)", width) }

func (MySQL) TableOptions() string { return " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4" }

func (d MySQL) Upsert(_, update []string) string {
	var b strings.Builder
	b.WriteString("ON DUPLICATE KEY UPDATE ")
	for i, c := range update {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = VALUES(%s)", d.Quote(c), d.Quote(c))
	}
	return b.String()
}

func (MySQL) IsDuplicateColumn(err error) bool {
	var merr *mysql.MySQLError
	return errors.As(err, &merr) && merr.Number == mysqlDupFieldName
}

func (MySQL) TableExists(ctx context.Context, q Querier, schema, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?",
		schema, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (MySQL) MaxParams() int { return 65535 }
