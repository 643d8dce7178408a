// Package source defines the contract between the sync engine and the
// remote document stores it reads from.
package source

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotAccessible is returned when a document no longer exists or is
	// no longer shared with the caller.
	ErrNotAccessible = errors.New("document not accessible")
	// ErrTransient is returned once retries of a temporary failure are
	// exhausted. The operation can be attempted again on a later run.
	ErrTransient = errors.New("transient source failure")
)

// Document is the metadata of one remote document. Modified is an RFC 3339
// timestamp with fixed-width fields, so it orders lexically.
type Document struct {
	ID       string
	Name     string
	Modified string
}

// Source lists and reads remote documents. Implementations own throttling
// and retries; callers never retry.
type Source interface {
	// ListDocumentsModifiedSince returns up to limit documents whose
	// (Modified, ID) is strictly after (since, sinceID), ordered by
	// (Modified, ID) ascending.
	ListDocumentsModifiedSince(ctx context.Context, since, sinceID string, limit int) ([]Document, error)
	// GetDocumentMetadata returns ErrNotAccessible for unknown documents.
	GetDocumentMetadata(ctx context.Context, id string) (Document, error)
	// GetSubTableRows returns the raw cells of one sub-table. Rows may be
	// ragged.
	GetSubTableRows(ctx context.Context, documentID, subTable string) ([][]string, error)
}

// SubTableLister is implemented by sources that can enumerate the
// sub-tables of a document.
type SubTableLister interface {
	SubTables(ctx context.Context, documentID string) ([]string, error)
}

// NotAccessibleError wraps the provider error for an inaccessible document.
type NotAccessibleError struct {
	DocumentID string
	Err        error
}

func (e *NotAccessibleError) Error() string {
	return fmt.Sprintf("document %s not accessible: %v", e.DocumentID, e.Err)
}

func (e *NotAccessibleError) Unwrap() []error { return []error{ErrNotAccessible, e.Err} }

// TransientError wraps the last error seen before retries ran out.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }
