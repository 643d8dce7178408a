package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Document is the accounting record of one remote document.
type Document struct {
	ID       string
	Name     string
	Modified string
	// LastSeen is when the document was last confirmed accessible.
	LastSeen string
	// LastChecked is when its liveness was last checked, whatever the
	// outcome.
	LastChecked string
}

// Stamp is a (modified, document id) pair as ordered by the watermark.
type Stamp struct {
	Modified   string
	DocumentID string
}

// JobRef identifies a configured job and the table it loads into.
type JobRef struct {
	DocumentID  string
	SubTable    string
	TargetTable string
}

// JobStatus is one job joined with its document.
type JobStatus struct {
	DocumentID       string
	DocumentName     string
	DocumentModified string
	LastSeen         string
	SubTable         string
	TargetTable      string
	LoadedModified   string
	Fingerprint      string
	LoadedAt         string
}

// Stale reports whether the document changed after the job's last load.
func (j JobStatus) Stale() bool { return j.LoadedModified != j.DocumentModified }

// filterChunk bounds the IN list of one FilterExtractable query.
const filterChunk = 500

// MarkDocumentSeen records a sighting of a document, inserting it or
// refreshing its modified stamp, name, last-seen and last-checked times in
// one statement.
func (s *Store) MarkDocumentSeen(ctx context.Context, id, modified, name string) error {
	if id == "" {
		return errors.New("document id must not be empty")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s, %s) VALUES (?, ?, ?, ?, ?) %s",
		s.table(documentsTable),
		s.q("document_id"), s.q("modified"), s.q("name"), s.q("last_seen"), s.q("last_checked"),
		s.dialect.Upsert([]string{"document_id"}, []string{"modified", "name", "last_seen", "last_checked"}))
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), id, modified, truncate(name, nameWidth), now, now)
	if err != nil {
		return fmt.Errorf("failed to mark document %s seen: %w", id, err)
	}
	return nil
}

// TouchDocument refreshes the last-seen and last-checked times and the name
// of a known document without changing its modified stamp, so liveness
// checks never move the watermark.
func (s *Store) TouchDocument(ctx context.Context, id, name string) error {
	query := fmt.Sprintf("UPDATE %s SET %s = ?, %s = ?, %s = ? WHERE %s = ?",
		s.table(documentsTable), s.q("last_seen"), s.q("last_checked"), s.q("name"), s.q("document_id"))
	now := s.now()
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), now, now, truncate(name, nameWidth), id); err != nil {
		return fmt.Errorf("failed to touch document %s: %w", id, err)
	}
	return nil
}

// MarkDocumentChecked records a liveness check that did not reach the
// document. Only the last-checked time moves, so the document goes to the
// back of the check order while its last-seen time still tells when it was
// last accessible.
func (s *Store) MarkDocumentChecked(ctx context.Context, id string) error {
	query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
		s.table(documentsTable), s.q("last_checked"), s.q("document_id"))
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), s.now(), id); err != nil {
		return fmt.Errorf("failed to mark document %s checked: %w", id, err)
	}
	return nil
}

// GreatestSeenModified returns the greatest (modified, id) pair over all
// known documents. ok is false when no document is known.
func (s *Store) GreatestSeenModified(ctx context.Context) (stamp Stamp, ok bool, err error) {
	query := fmt.Sprintf("SELECT %s, %s FROM %s ORDER BY %s DESC, %s DESC LIMIT 1",
		s.q("modified"), s.q("document_id"), s.table(documentsTable), s.q("modified"), s.q("document_id"))
	err = s.db.QueryRowContext(ctx, query).Scan(&stamp.Modified, &stamp.DocumentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Stamp{}, false, nil
	}
	if err != nil {
		return Stamp{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	return stamp, true, nil
}

// OldestSeenDocument returns the id of the document checked longest ago.
func (s *Store) OldestSeenDocument(ctx context.Context) (string, bool, error) {
	docs, err := s.OldestSeenDocuments(ctx, 1)
	if err != nil || len(docs) == 0 {
		return "", false, err
	}
	return docs[0].ID, true, nil
}

// OldestSeenDocuments returns up to n documents ordered by last-checked
// time, oldest first, ties broken by id. Checking them and recording the
// result with TouchDocument or MarkDocumentChecked rotates through every
// known document.
func (s *Store) OldestSeenDocuments(ctx context.Context, n int) ([]Document, error) {
	if n <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s, %s, %s, %s, %s FROM %s ORDER BY %s ASC, %s ASC LIMIT ?",
		s.q("document_id"), s.q("name"), s.q("modified"), s.q("last_seen"), s.q("last_checked"),
		s.table(documentsTable), s.q("last_checked"), s.q("document_id"))
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), n)
	if err != nil {
		return nil, fmt.Errorf("failed to list oldest documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Name, &d.Modified, &d.LastSeen, &d.LastChecked); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Document returns the accounting record for id.
func (s *Store) Document(ctx context.Context, id string) (Document, error) {
	query := fmt.Sprintf("SELECT %s, %s, %s, %s, %s FROM %s WHERE %s = ?",
		s.q("document_id"), s.q("name"), s.q("modified"), s.q("last_seen"), s.q("last_checked"),
		s.table(documentsTable), s.q("document_id"))
	var d Document
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), id).Scan(&d.ID, &d.Name, &d.Modified, &d.LastSeen, &d.LastChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotSeen, id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	return d, nil
}

type loadedJob struct {
	target string
	loaded string
}

type jobKey struct {
	document string
	subTable string
}

// FilterExtractable returns the candidates that need loading, in their
// original order. A candidate qualifies when its document has been seen and
// it has never been loaded, its document changed since the last load, or it
// now targets a different table. All lookups run in one read-only
// transaction so a concurrent commit cannot be observed half-way.
func (s *Store) FilterExtractable(ctx context.Context, candidates []JobRef) ([]JobRef, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := distinctDocumentIDs(candidates)
	modified := make(map[string]string, len(ids))
	jobs := make(map[jobKey]loadedJob)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(ids); start += filterChunk {
		chunk := ids[start:min(start+filterChunk, len(ids))]
		if err := s.scanExtractable(ctx, tx, chunk, modified, jobs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to finish read transaction: %w", err)
	}

	var out []JobRef
	for _, c := range candidates {
		docModified, seen := modified[c.DocumentID]
		if !seen {
			continue
		}
		job, loaded := jobs[jobKey{c.DocumentID, c.SubTable}]
		if !loaded || job.loaded != docModified || job.target != c.TargetTable {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) scanExtractable(ctx context.Context, tx *sql.Tx, ids []string, modified map[string]string, jobs map[jobKey]loadedJob) error {
	query := fmt.Sprintf(`SELECT d.%s, d.%s, j.%s, j.%s, j.%s
FROM %s d LEFT JOIN %s j ON j.%s = d.%s
WHERE d.%s IN %s`,
		s.q("document_id"), s.q("modified"), s.q("sub_table"), s.q("target_table"), s.q("loaded_modified"),
		s.table(documentsTable), s.table(jobsTable), s.q("document_rowid"), s.q("id"),
		s.q("document_id"), placeholders(len(ids)))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to query extractable jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			docID, docModified            string
			subTable, target, loadedStamp sql.NullString
		)
		if err := rows.Scan(&docID, &docModified, &subTable, &target, &loadedStamp); err != nil {
			return fmt.Errorf("failed to scan extractable job: %w", err)
		}
		modified[docID] = docModified
		if subTable.Valid {
			jobs[jobKey{docID, subTable.String}] = loadedJob{target: target.String, loaded: loadedStamp.String}
		}
	}
	return rows.Err()
}

func distinctDocumentIDs(refs []JobRef) []string {
	seen := make(map[string]struct{}, len(refs))
	var ids []string
	for _, r := range refs {
		if _, ok := seen[r.DocumentID]; ok {
			continue
		}
		seen[r.DocumentID] = struct{}{}
		ids = append(ids, r.DocumentID)
	}
	return ids
}

// Jobs lists every loaded job with its document, ordered by document id and
// sub-table.
func (s *Store) Jobs(ctx context.Context) ([]JobStatus, error) {
	query := fmt.Sprintf(`SELECT d.%s, d.%s, d.%s, d.%s, j.%s, j.%s, j.%s, j.%s, j.%s
FROM %s j JOIN %s d ON d.%s = j.%s
ORDER BY d.%s, j.%s`,
		s.q("document_id"), s.q("name"), s.q("modified"), s.q("last_seen"),
		s.q("sub_table"), s.q("target_table"), s.q("loaded_modified"), s.q("fingerprint"), s.q("loaded_at"),
		s.table(jobsTable), s.table(documentsTable), s.q("id"), s.q("document_rowid"),
		s.q("document_id"), s.q("sub_table"))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobStatus
	for rows.Next() {
		var j JobStatus
		if err := rows.Scan(&j.DocumentID, &j.DocumentName, &j.DocumentModified, &j.LastSeen,
			&j.SubTable, &j.TargetTable, &j.LoadedModified, &j.Fingerprint, &j.LoadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RemoveDocument deletes a document, its jobs and every row those jobs
// loaded, in one transaction. It returns the number of jobs removed.
func (s *Store) RemoveDocument(ctx context.Context, id string) (int, error) {
	var docRowID int64
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", s.q("id"), s.table(documentsTable), s.q("document_id"))
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), id).Scan(&docRowID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrDocumentNotSeen, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read document %s: %w", id, err)
	}

	type owned struct {
		id     int64
		target string
	}
	query = fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ?",
		s.q("id"), s.q("target_table"), s.table(jobsTable), s.q("document_rowid"))
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), docRowID)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs of %s: %w", id, err)
	}
	var jobs []owned
	for rows.Next() {
		var o owned
		if err := rows.Scan(&o.id, &o.target); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, o)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to list jobs of %s: %w", id, err)
	}

	existing := make(map[string]bool)
	for _, j := range jobs {
		if _, probed := existing[j.target]; probed {
			continue
		}
		ok, err := s.targetExists(ctx, j.target)
		if err != nil {
			return 0, err
		}
		existing[j.target] = ok
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, j := range jobs {
		if !existing[j.target] {
			continue
		}
		del := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.table(j.target), s.q(originJobColumn))
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(del), j.id); err != nil {
			return 0, fmt.Errorf("failed to delete rows of %s from %s: %w", id, j.target, err)
		}
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.table(jobsTable), s.q("document_rowid"))
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(del), docRowID); err != nil {
		return 0, fmt.Errorf("failed to delete jobs of %s: %w", id, err)
	}
	del = fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.table(documentsTable), s.q("id"))
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(del), docRowID); err != nil {
		return 0, fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit removal of %s: %w", id, err)
	}

	s.logger.Info().Str("document_id", id).Int("jobs", len(jobs)).Msg("document removed")
	return len(jobs), nil
}

// truncate shortens v to at most n runes.
func truncate(v string, n int) string {
	if len(v) <= n || utf8.RuneCountInString(v) <= n {
		return v
	}
	i := 0
	for pos := range v {
		if i == n {
			return v[:pos]
		}
		i++
	}
	return v
}

// trimJoin is used in log fields to keep long column lists readable.
func trimJoin(cols []string, limit int) string {
	if len(cols) > limit {
		return strings.Join(cols[:limit], ",") + ",..."
	}
	return strings.Join(cols, ",")
}
