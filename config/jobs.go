package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/infobloxopen/sheets-etl/internal/grid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Defaults inherited by jobs that leave headerRow or skipRows unset.
const (
	DefaultHeaderRow = 0
	DefaultSkipRows  = 1
)

// maxTableNameLength leaves room for a table prefix within the PostgreSQL
// identifier limit.
const maxTableNameLength = 63

// Column binds one output field to its source column.
type Column struct {
	Output string
	Source grid.Specifier
}

// Job is one configured (document, sub-table) extraction.
type Job struct {
	DocumentID  string
	SubTable    string
	TargetTable string
	Columns     []Column
	HeaderRow   int
	SkipRows    int
}

// OutputNames returns the configured output field names in mapping order.
func (j Job) OutputNames() []string {
	names := make([]string, len(j.Columns))
	for i, c := range j.Columns {
		names[i] = c.Output
	}
	return names
}

// Specifiers returns the source column specifiers in mapping order.
func (j Job) Specifiers() []grid.Specifier {
	specs := make([]grid.Specifier, len(j.Columns))
	for i, c := range j.Columns {
		specs[i] = c.Source
	}
	return specs
}

// Settings renders every extraction setting that affects loaded rows, for
// mixing into the content fingerprint.
func (j Job) Settings() []string {
	out := make([]string, 0, 3+2*len(j.Columns))
	out = append(out, j.TargetTable, strconv.Itoa(j.HeaderRow), strconv.Itoa(j.SkipRows))
	for _, c := range j.Columns {
		out = append(out, c.Output, c.Source.String())
	}
	return out
}

func (j Job) String() string {
	return j.DocumentID + "/" + j.SubTable
}

type rawJob struct {
	TargetTable   string                                         `json:"targetTable"`
	ColumnMapping *orderedmap.OrderedMap[string, json.RawMessage] `json:"columnMapping"`
	HeaderRow     *int                                           `json:"headerRow"`
	SkipRows      *int                                           `json:"skipRows"`
}

// LoadJobs reads and validates the jobs file at path.
func LoadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}
	jobs, err := ParseJobs(data)
	if err != nil {
		return nil, fmt.Errorf("invalid jobs file %s: %w", path, err)
	}
	return jobs, nil
}

// ParseJobs decodes a jobs document of the form
//
//	{"<documentId>": {"<subTable>": {"targetTable": ..., "columnMapping": {...},
//	  "headerRow": 0, "skipRows": 1}}}
//
// Keys starting with "$" (such as "$schema") are ignored. Jobs are returned in
// file order and columns in mapping order.
func ParseJobs(data []byte) ([]Job, error) {
	docs := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(data, docs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}

	var jobs []Job
	for doc := docs.Oldest(); doc != nil; doc = doc.Next() {
		if strings.HasPrefix(doc.Key, "$") {
			continue
		}
		if doc.Key == "" {
			return nil, errors.New("document id must not be empty")
		}
		subTables := orderedmap.New[string, json.RawMessage]()
		if err := json.Unmarshal(doc.Value, subTables); err != nil {
			return nil, fmt.Errorf("document %s: %w", doc.Key, err)
		}
		for st := subTables.Oldest(); st != nil; st = st.Next() {
			job, err := parseJob(doc.Key, st.Key, st.Value)
			if err != nil {
				return nil, fmt.Errorf("job %s/%s: %w", doc.Key, st.Key, err)
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func parseJob(documentID, subTable string, data json.RawMessage) (Job, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw rawJob
	if err := dec.Decode(&raw); err != nil {
		return Job{}, err
	}

	job := Job{
		DocumentID:  documentID,
		SubTable:    subTable,
		TargetTable: raw.TargetTable,
		HeaderRow:   DefaultHeaderRow,
		SkipRows:    DefaultSkipRows,
	}
	if raw.HeaderRow != nil {
		job.HeaderRow = *raw.HeaderRow
	}
	if raw.SkipRows != nil {
		job.SkipRows = *raw.SkipRows
	}
	if subTable == "" {
		return Job{}, errors.New("sub-table name must not be empty")
	}
	if err := validateTableName(job.TargetTable); err != nil {
		return Job{}, err
	}
	if job.HeaderRow < 0 {
		return Job{}, errors.New("headerRow must not be negative")
	}
	if job.SkipRows < 0 {
		return Job{}, errors.New("skipRows must not be negative")
	}
	if raw.ColumnMapping == nil || raw.ColumnMapping.Len() == 0 {
		return Job{}, errors.New("columnMapping is required")
	}

	for pair := raw.ColumnMapping.Oldest(); pair != nil; pair = pair.Next() {
		spec, err := parseSpecifier(pair.Value)
		if err != nil {
			return Job{}, fmt.Errorf("columnMapping %q: %w", pair.Key, err)
		}
		job.Columns = append(job.Columns, Column{Output: pair.Key, Source: spec})
	}
	return job, nil
}

// parseSpecifier accepts a header name (JSON string) or a column index
// (non-negative JSON integer).
func parseSpecifier(data json.RawMessage) (grid.Specifier, error) {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return grid.Specifier{}, errors.New("source column must not be null")
	}
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return grid.Name(name), nil
	}
	var idx int
	if err := json.Unmarshal(data, &idx); err != nil {
		return grid.Specifier{}, fmt.Errorf("source column must be a name or an index, got %s", data)
	}
	if idx < 0 {
		return grid.Specifier{}, fmt.Errorf("column index %d must not be negative", idx)
	}
	return grid.Index(idx), nil
}

func validateTableName(name string) error {
	if name == "" {
		return errors.New("targetTable is required")
	}
	if len(name) > maxTableNameLength {
		return fmt.Errorf("targetTable %q is longer than %d bytes", name, maxTableNameLength)
	}
	for _, r := range name {
		if r == '"' || r == '`' || r == '\'' || r == '?' || unicode.IsControl(r) {
			return fmt.Errorf("targetTable %q contains %q", name, r)
		}
	}
	return nil
}
