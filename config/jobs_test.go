package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/infobloxopen/sheets-etl/internal/grid"
)

func TestParseJobs(t *testing.T) {
	data := []byte(`{
  "$schema": "./config-schema.json",
  "1AbC": {
    "Roster": {
      "targetTable": "roster",
      "columnMapping": {"name": "Full Name", "role": 3, "email": "E-mail"},
      "headerRow": 2,
      "skipRows": 3
    },
    "Budget": {
      "targetTable": "budget",
      "columnMapping": {"line": 0}
    }
  },
  "2XyZ": {
    "Sheet1": {"targetTable": "roster", "columnMapping": {"name": "Name"}}
  }
}`)

	got, err := ParseJobs(data)
	if err != nil {
		t.Fatalf("ParseJobs: %v", err)
	}
	want := []Job{
		{
			DocumentID:  "1AbC",
			SubTable:    "Roster",
			TargetTable: "roster",
			Columns: []Column{
				{Output: "name", Source: grid.Name("Full Name")},
				{Output: "role", Source: grid.Index(3)},
				{Output: "email", Source: grid.Name("E-mail")},
			},
			HeaderRow: 2,
			SkipRows:  3,
		},
		{
			DocumentID:  "1AbC",
			SubTable:    "Budget",
			TargetTable: "budget",
			Columns:     []Column{{Output: "line", Source: grid.Index(0)}},
			HeaderRow:   DefaultHeaderRow,
			SkipRows:    DefaultSkipRows,
		},
		{
			DocumentID:  "2XyZ",
			SubTable:    "Sheet1",
			TargetTable: "roster",
			Columns:     []Column{{Output: "name", Source: grid.Name("Name")}},
			HeaderRow:   DefaultHeaderRow,
			SkipRows:    DefaultSkipRows,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("jobs mismatch (-want +got):\n%s", diff)
	}
}

func TestParseJobs_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "not an object", data: `[]`, wantErr: "failed to decode jobs"},
		{name: "missing target", data: `{"d": {"s": {"columnMapping": {"a": 0}}}}`, wantErr: "targetTable is required"},
		{name: "quoted target", data: `{"d": {"s": {"targetTable": "a\"b", "columnMapping": {"a": 0}}}}`, wantErr: "contains"},
		{name: "missing mapping", data: `{"d": {"s": {"targetTable": "t"}}}`, wantErr: "columnMapping is required"},
		{name: "empty mapping", data: `{"d": {"s": {"targetTable": "t", "columnMapping": {}}}}`, wantErr: "columnMapping is required"},
		{name: "negative index", data: `{"d": {"s": {"targetTable": "t", "columnMapping": {"a": -1}}}}`, wantErr: "must not be negative"},
		{name: "fractional index", data: `{"d": {"s": {"targetTable": "t", "columnMapping": {"a": 1.5}}}}`, wantErr: "name or an index"},
		{name: "null specifier", data: `{"d": {"s": {"targetTable": "t", "columnMapping": {"a": null}}}}`, wantErr: "must not be null"},
		{name: "negative skip", data: `{"d": {"s": {"targetTable": "t", "columnMapping": {"a": 0}, "skipRows": -1}}}`, wantErr: "skipRows"},
		{name: "unknown field", data: `{"d": {"s": {"targetTable": "t", "columnMapping": {"a": 0}, "header_row": 1}}}`, wantErr: "unknown field"},
		{name: "empty sub-table", data: `{"d": {"": {"targetTable": "t", "columnMapping": {"a": 0}}}}`, wantErr: "sub-table name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobs([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestJob_Settings(t *testing.T) {
	a := Job{TargetTable: "t", Columns: []Column{{Output: "x", Source: grid.Index(1)}}, SkipRows: 1}
	b := a
	b.Columns = []Column{{Output: "x", Source: grid.Name("1")}}

	if cmp.Equal(a.Settings(), b.Settings()) {
		t.Error("index and name specifiers should render differently")
	}
	if diff := cmp.Diff([]string{"x"}, a.OutputNames()); diff != "" {
		t.Errorf("OutputNames mismatch (-want +got):\n%s", diff)
	}
	if got := (Job{DocumentID: "d", SubTable: "s"}).String(); got != "d/s" {
		t.Errorf("String() = %q", got)
	}
}

func TestLoadJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte(`{"d": {"s": {"targetTable": "t", "columnMapping": {"a": "A"}}}}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	jobs, err := LoadJobs(path)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].TargetTable != "t" {
		t.Errorf("jobs = %+v", jobs)
	}
	if _, err := LoadJobs(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing jobs file")
	}
}
