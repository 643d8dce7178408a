// Package store keeps the sync accounting (documents seen and jobs loaded)
// and performs the atomic replace-load of extracted rows into target tables.
//
// Accounting lives in two tables, __meta_documents and __meta_etl_jobs. Each
// target table carries a surrogate key plus the lineage pair
// (_origin_etl_job_id, _origin_row) that identifies which job produced a row
// and where it sat in the extraction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"
)

const (
	documentsTable = "__meta_documents"
	jobsTable      = "__meta_etl_jobs"
)

// Widths of the accounting columns.
const (
	idWidth    = 255
	stampWidth = 64
	clockWidth = 32
	nameWidth  = 1024
	hashWidth  = 64
)

// clockLayout is fixed-width so that last_seen and last_checked sort
// lexically.
const clockLayout = "2006-01-02T15:04:05.000000Z"

var (
	// ErrDocumentNotSeen is returned for operations on a document that was
	// never marked seen.
	ErrDocumentNotSeen = errors.New("document not seen")
	// ErrTransaction matches every *TransactionError.
	ErrTransaction = errors.New("load transaction failed")
)

// TransactionError reports a failure inside the load transaction. The
// transaction has been rolled back.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("load transaction failed during %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() []error { return []error{ErrTransaction, e.Err} }

// Options tunes a Store. Zero values take the defaults noted per field.
type Options struct {
	// Schema qualifies every table name when set.
	Schema string
	// TablePrefix is prepended to every table name, accounting included.
	TablePrefix string
	// BatchSize caps the rows per INSERT statement. Default 25.
	BatchSize int
	// MaxValueLength is the width of target columns; longer values are
	// truncated. Default 100.
	MaxValueLength int
	// Now supplies the local clock. Default time.Now.
	Now    func() time.Time
	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.MaxValueLength <= 0 {
		o.MaxValueLength = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is the accounting store and transactional loader.
type Store struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
	logger  zerolog.Logger
}

// New wraps an open database handle.
func New(db *sql.DB, dialect Dialect, opts Options) *Store {
	opts.setDefaults()
	return &Store{
		db:      db,
		dialect: dialect,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "store").Str("dialect", dialect.Name()).Logger(),
	}
}

// Open connects to the database with the given database/sql driver name and
// verifies the connection.
func Open(ctx context.Context, driver, dsn string, opts Options) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if _, ok := dialect.(SQLite); ok {
		dsn = SQLiteDSN(dsn)
	}
	db, err := sql.Open(driverName(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, ok := dialect.(SQLite); ok {
		// One connection serializes writers and keeps :memory: databases
		// shared across calls.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db, dialect, opts), nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// table returns the physical, quoted name of a logical table.
func (s *Store) table(name string) string {
	return s.dialect.Qualify(s.opts.Schema, s.opts.TablePrefix+name)
}

func (s *Store) reference(name string) string {
	return s.dialect.Reference(s.opts.Schema, s.opts.TablePrefix+name)
}

func (s *Store) q(ident string) string { return s.dialect.Quote(ident) }

func (s *Store) now() string { return s.opts.Now().UTC().Format(clockLayout) }

// EnsureSchema creates the accounting tables if they do not exist. It is
// safe to call on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	d := s.dialect
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s NOT NULL,
	UNIQUE (%s),
	UNIQUE (%s, %s),
	UNIQUE (%s, %s)
)%s`,
			s.table(documentsTable),
			d.AutoIncrementKey("id"),
			s.q("document_id"), d.KeyText(idWidth),
			s.q("modified"), d.KeyText(stampWidth),
			s.q("name"), d.Text(nameWidth),
			s.q("last_seen"), d.KeyText(clockWidth),
			s.q("last_checked"), d.KeyText(clockWidth),
			s.q("document_id"),
			s.q("modified"), s.q("document_id"),
			s.q("last_checked"), s.q("document_id"),
			d.TableOptions()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s NOT NULL,
	UNIQUE (%s, %s),
	FOREIGN KEY (%s) REFERENCES %s (%s)
)%s`,
			s.table(jobsTable),
			d.AutoIncrementKey("id"),
			s.q("document_rowid"), d.BigInt(),
			s.q("sub_table"), d.KeyText(idWidth),
			s.q("target_table"), d.Text(idWidth),
			s.q("loaded_modified"), d.KeyText(stampWidth),
			s.q("fingerprint"), d.Text(hashWidth),
			s.q("loaded_at"), d.KeyText(clockWidth),
			s.q("document_rowid"), s.q("sub_table"),
			s.q("document_rowid"), s.reference(documentsTable), s.q("id"),
			d.TableOptions()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create accounting tables: %w", err)
		}
	}
	return nil
}
