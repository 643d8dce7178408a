package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/infobloxopen/sheets-etl/internal/naming"
)

const (
	rowIDColumn     = naming.RowIDColumn
	originJobColumn = naming.OriginJobColumn
	originRowColumn = naming.OriginRowColumn
)

// LoadRequest is one extracted sub-table ready to be stored.
type LoadRequest struct {
	DocumentID  string
	SubTable    string
	TargetTable string
	// Columns are the output labels; they are normalized before use.
	Columns []string
	// Rows must each have len(Columns) cells. nil cells are stored as NULL.
	Rows        [][]*string
	Fingerprint string
}

// LoadResult describes a committed load.
type LoadResult struct {
	JobID int64
	// Skipped is set when the fingerprint matched and no rows were touched.
	Skipped      bool
	Columns      []string
	RowsDeleted  int64
	RowsInserted int64
	Duration     time.Duration
}

type existingJob struct {
	id          int64
	target      string
	fingerprint string
}

// CommitLoad replaces the rows of the job (DocumentID, SubTable) with
// req.Rows and records the load.
//
// The target table and its columns are created first, outside any
// transaction, since some backends commit implicitly on DDL. When the job's
// stored fingerprint equals req.Fingerprint and the target table is
// unchanged, only the job's loaded stamp is refreshed. Otherwise the job
// upsert, the delete of its previous rows and the batched inserts run in one
// transaction; on failure it is rolled back and a *TransactionError is
// returned, leaving the previous rows and job record intact.
func (s *Store) CommitLoad(ctx context.Context, req LoadRequest) (LoadResult, error) {
	start := time.Now()
	cols := naming.Columns(req.Columns)
	for i, row := range req.Rows {
		if len(row) != len(cols) {
			return LoadResult{}, fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(cols))
		}
	}

	var (
		docRowID int64
		modified string
	)
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ?",
		s.q("id"), s.q("modified"), s.table(documentsTable), s.q("document_id"))
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), req.DocumentID).Scan(&docRowID, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return LoadResult{}, fmt.Errorf("%w: %s", ErrDocumentNotSeen, req.DocumentID)
	}
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to read document %s: %w", req.DocumentID, err)
	}

	prev, found, err := s.lookupJob(ctx, docRowID, req.SubTable)
	if err != nil {
		return LoadResult{}, err
	}

	if err := s.ensureTarget(ctx, req.TargetTable, cols); err != nil {
		return LoadResult{}, err
	}

	if found && prev.fingerprint == req.Fingerprint && prev.target == req.TargetTable {
		update := fmt.Sprintf("UPDATE %s SET %s = ?, %s = ? WHERE %s = ?",
			s.table(jobsTable), s.q("loaded_modified"), s.q("loaded_at"), s.q("id"))
		if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(update), modified, s.now(), prev.id); err != nil {
			return LoadResult{}, fmt.Errorf("failed to refresh job %s/%s: %w", req.DocumentID, req.SubTable, err)
		}
		s.logger.Debug().
			Str("document_id", req.DocumentID).
			Str("sub_table", req.SubTable).
			Str("modified", modified).
			Msg("content unchanged, refreshed loaded stamp")
		return LoadResult{JobID: prev.id, Skipped: true, Columns: cols, Duration: time.Since(start)}, nil
	}

	oldTarget := ""
	if found && prev.target != req.TargetTable {
		ok, err := s.targetExists(ctx, prev.target)
		if err != nil {
			return LoadResult{}, err
		}
		if ok {
			oldTarget = prev.target
		}
	}

	res, err := s.replaceRows(ctx, docRowID, modified, oldTarget, req, cols)
	if err != nil {
		return LoadResult{}, err
	}
	res.Columns = cols
	res.Duration = time.Since(start)

	s.logger.Debug().
		Str("document_id", req.DocumentID).
		Str("sub_table", req.SubTable).
		Str("target_table", req.TargetTable).
		Str("columns", trimJoin(cols, 8)).
		Int64("rows_deleted", res.RowsDeleted).
		Int64("rows_inserted", res.RowsInserted).
		Dur("duration", res.Duration).
		Msg("load committed")
	return res, nil
}

func (s *Store) lookupJob(ctx context.Context, docRowID int64, subTable string) (existingJob, bool, error) {
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s = ? AND %s = ?",
		s.q("id"), s.q("target_table"), s.q("fingerprint"), s.table(jobsTable),
		s.q("document_rowid"), s.q("sub_table"))
	var j existingJob
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), docRowID, subTable).Scan(&j.id, &j.target, &j.fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return existingJob{}, false, nil
	}
	if err != nil {
		return existingJob{}, false, fmt.Errorf("failed to read job: %w", err)
	}
	return j, true, nil
}

// ensureTarget creates the target table and adds any missing columns.
// Existing columns are never dropped or narrowed.
func (s *Store) ensureTarget(ctx context.Context, target string, cols []string) error {
	d := s.dialect
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	%s %s NOT NULL,
	%s %s NOT NULL,
	UNIQUE (%s, %s),
	FOREIGN KEY (%s) REFERENCES %s (%s)
)%s`,
		s.table(target),
		d.AutoIncrementKey(rowIDColumn),
		s.q(originJobColumn), d.BigInt(),
		s.q(originRowColumn), d.BigInt(),
		s.q(originJobColumn), s.q(originRowColumn),
		s.q(originJobColumn), s.reference(jobsTable), s.q("id"),
		d.TableOptions())
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create table %s: %w", target, err)
	}

	for _, col := range cols {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", s.table(target), s.q(col), d.Text(s.opts.MaxValueLength))
		_, err := s.db.ExecContext(ctx, alter)
		switch {
		case err == nil:
			s.logger.Info().Str("table", target).Str("column", col).Msg("column added")
		case d.IsDuplicateColumn(err):
		default:
			return fmt.Errorf("failed to add column %s to %s: %w", col, target, err)
		}
	}
	return nil
}

func (s *Store) targetExists(ctx context.Context, target string) (bool, error) {
	ok, err := s.dialect.TableExists(ctx, s.db, s.opts.Schema, s.opts.TablePrefix+target)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", target, err)
	}
	return ok, nil
}

func (s *Store) replaceRows(ctx context.Context, docRowID int64, modified, oldTarget string, req LoadRequest, cols []string) (LoadResult, error) {
	var res LoadResult
	fail := func(op string, err error) (LoadResult, error) {
		return LoadResult{}, &TransactionError{Op: op, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s, %s, %s) VALUES (?, ?, ?, ?, ?, ?) %s",
		s.table(jobsTable),
		s.q("document_rowid"), s.q("sub_table"), s.q("target_table"),
		s.q("loaded_modified"), s.q("fingerprint"), s.q("loaded_at"),
		s.dialect.Upsert(
			[]string{"document_rowid", "sub_table"},
			[]string{"target_table", "loaded_modified", "fingerprint", "loaded_at"}))
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(upsert),
		docRowID, req.SubTable, req.TargetTable, modified, req.Fingerprint, s.now()); err != nil {
		return fail("job upsert", err)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? AND %s = ?",
		s.q("id"), s.table(jobsTable), s.q("document_rowid"), s.q("sub_table"))
	if err := tx.QueryRowContext(ctx, s.dialect.Rebind(query), docRowID, req.SubTable).Scan(&res.JobID); err != nil {
		return fail("job lookup", err)
	}

	for _, table := range []string{oldTarget, req.TargetTable} {
		if table == "" {
			continue
		}
		del := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.table(table), s.q(originJobColumn))
		r, err := tx.ExecContext(ctx, s.dialect.Rebind(del), res.JobID)
		if err != nil {
			return fail("delete", err)
		}
		if n, err := r.RowsAffected(); err == nil {
			res.RowsDeleted += n
		}
	}

	inserted, err := s.insertRows(ctx, tx, req.TargetTable, res.JobID, cols, req.Rows)
	if err != nil {
		return fail("insert", err)
	}
	res.RowsInserted = inserted

	if err := tx.Commit(); err != nil {
		return fail("commit", err)
	}
	return res, nil
}

// batchRows is the number of rows per INSERT, bounded by the backend's
// parameter limit.
func (s *Store) batchRows(cols int) int {
	perRow := cols + 2
	return max(1, min(s.opts.BatchSize, s.dialect.MaxParams()/perRow))
}

func (s *Store) insertRows(ctx context.Context, tx *sql.Tx, target string, jobID int64, cols []string, rows [][]*string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	names := make([]string, 0, len(cols)+2)
	names = append(names, s.q(originJobColumn), s.q(originRowColumn))
	for _, c := range cols {
		names = append(names, s.q(c))
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", s.table(target), strings.Join(names, ", "))
	tuple := placeholders(len(names))

	statement := func(n int) string {
		return s.dialect.Rebind(prefix + strings.Repeat(tuple+", ", n-1) + tuple)
	}

	size := s.batchRows(len(cols))
	var full *sql.Stmt
	if len(rows) >= size {
		stmt, err := tx.PrepareContext(ctx, statement(size))
		if err != nil {
			return 0, err
		}
		defer func() { _ = stmt.Close() }()
		full = stmt
	}

	args := make([]any, 0, size*len(names))
	var total int64
	for start := 0; start < len(rows); start += size {
		batch := rows[start:min(start+size, len(rows))]
		args = args[:0]
		for i, row := range batch {
			args = append(args, jobID, int64(start+i))
			for _, cell := range row {
				if cell == nil {
					args = append(args, nil)
					continue
				}
				args = append(args, truncate(*cell, s.opts.MaxValueLength))
			}
		}

		var err error
		if len(batch) == size {
			_, err = full.ExecContext(ctx, args...)
		} else {
			_, err = tx.ExecContext(ctx, statement(len(batch)), args...)
		}
		if err != nil {
			return total, fmt.Errorf("rows %d-%d: %w", start, start+len(batch)-1, err)
		}
		total += int64(len(batch))
	}
	return total, nil
}
