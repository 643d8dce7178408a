// Package grid extracts rectangular row sets from the ragged cell grids that
// document sources return, and fingerprints those grids for change detection.
package grid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrColumnNotFound matches errors for name specifiers missing from the
	// header row.
	ErrColumnNotFound = errors.New("column not found")
	// ErrColumnIndexOutOfBounds matches errors for index specifiers outside
	// the header row.
	ErrColumnIndexOutOfBounds = errors.New("column index out of bounds")
)

// ColumnNotFoundError reports a header name that has no exact match.
type ColumnNotFoundError struct {
	Name      string
	HeaderRow int
}

func (e *ColumnNotFoundError) Error() string {
	return fmt.Sprintf("required column %q not found in header row %d", e.Name, e.HeaderRow)
}

func (e *ColumnNotFoundError) Unwrap() error { return ErrColumnNotFound }

// ColumnIndexError reports an index specifier outside the header row.
type ColumnIndexError struct {
	Index int
	Width int
}

func (e *ColumnIndexError) Error() string {
	return fmt.Sprintf("column index %d outside header row of width %d", e.Index, e.Width)
}

func (e *ColumnIndexError) Unwrap() error { return ErrColumnIndexOutOfBounds }

// Specifier selects one source column, either by zero-based index or by its
// exact header text.
type Specifier struct {
	Name    string
	Index   int
	ByIndex bool
}

// Name returns a Specifier that looks the column up by header text.
func Name(name string) Specifier { return Specifier{Name: name} }

// Index returns a Specifier that selects the column at i.
func Index(i int) Specifier { return Specifier{Index: i, ByIndex: true} }

func (s Specifier) String() string {
	if s.ByIndex {
		return strconv.Itoa(s.Index)
	}
	return strconv.Quote(s.Name)
}

// Grid holds the cells of one sub-table with surrounding whitespace trimmed.
type Grid struct {
	rows [][]string
}

// New copies raw into a Grid, trimming every cell.
func New(raw [][]string) *Grid {
	rows := make([][]string, len(raw))
	for i, row := range raw {
		trimmed := make([]string, len(row))
		for j, cell := range row {
			trimmed[j] = strings.TrimSpace(cell)
		}
		rows[i] = trimmed
	}
	return &Grid{rows: rows}
}

// Len returns the number of rows in the grid.
func (g *Grid) Len() int { return len(g.rows) }

// Row returns row i, or nil when i is outside the grid.
func (g *Grid) Row(i int) []string {
	if i < 0 || i >= len(g.rows) {
		return nil
	}
	return g.rows[i]
}

// ResolveColumns maps specifiers onto column indexes using the row at
// headerRow. Name lookups are exact and take the first matching cell. A header
// row outside the grid is treated as empty.
func (g *Grid) ResolveColumns(specs []Specifier, headerRow int) ([]int, error) {
	header := g.Row(headerRow)
	cols := make([]int, len(specs))
	for i, spec := range specs {
		if spec.ByIndex {
			if spec.Index < 0 || spec.Index >= len(header) {
				return nil, &ColumnIndexError{Index: spec.Index, Width: len(header)}
			}
			cols[i] = spec.Index
			continue
		}
		idx := indexOf(header, spec.Name)
		if idx < 0 {
			return nil, &ColumnNotFoundError{Name: spec.Name, HeaderRow: headerRow}
		}
		cols[i] = idx
	}
	return cols, nil
}

func indexOf(row []string, name string) int {
	for i, cell := range row {
		if cell == name {
			return i
		}
	}
	return -1
}

// SelectRows returns every row after the first skip rows, projected onto
// cols. Cells past the end of a short row are nil. Every returned row has
// exactly len(cols) entries.
func (g *Grid) SelectRows(cols []int, skip int) [][]*string {
	skip = max(0, min(skip, len(g.rows)))
	out := make([][]*string, 0, len(g.rows)-skip)
	for _, row := range g.rows[skip:] {
		projected := make([]*string, len(cols))
		for j, c := range cols {
			if c >= 0 && c < len(row) {
				v := row[c]
				projected[j] = &v
			}
		}
		out = append(out, projected)
	}
	return out
}
