package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/infobloxopen/sheets-etl/config"
	"github.com/infobloxopen/sheets-etl/source"
	"github.com/rs/zerolog"
)

type memSource struct {
	docs []source.Document
	rows map[string][][]string
}

func (m *memSource) ListDocumentsModifiedSince(ctx context.Context, since, sinceID string, limit int) ([]source.Document, error) {
	var out []source.Document
	for _, d := range m.docs {
		if d.Modified > since || (d.Modified == since && d.ID > sinceID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memSource) GetDocumentMetadata(ctx context.Context, id string) (source.Document, error) {
	for _, d := range m.docs {
		if d.ID == id {
			return d, nil
		}
	}
	return source.Document{}, &source.NotAccessibleError{DocumentID: id, Err: errors.New("not found")}
}

func (m *memSource) GetSubTableRows(ctx context.Context, documentID, subTable string) ([][]string, error) {
	rows, ok := m.rows[documentID+"/"+subTable]
	if !ok {
		return nil, errors.New("no such sheet")
	}
	return rows, nil
}

func (m *memSource) SubTables(ctx context.Context, documentID string) ([]string, error) {
	return []string{"Sheet1", "Lookup"}, nil
}

const jobsJSON = `{
  "$schema": "./config-schema.json",
  "D1": {
    "Sheet1": {
      "targetTable": "people",
      "columnMapping": {"name": "Name", "age": 1}
    }
  },
  "D2": {
    "Sheet1": {
      "targetTable": "broken",
      "columnMapping": {"email": "Email"}
    }
  }
}`

// setup writes a config and jobs file and returns the config path.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	jobs := filepath.Join(dir, "jobs.json")
	if err := os.WriteFile(jobs, []byte(jobsJSON), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := filepath.Join(dir, "sheets-etl.yaml")
	content := "database:\n  dsn: " + filepath.Join(dir, "etl.db") + "\njobs_file: " + jobs + "\nlog:\n  level: error\n"
	if err := os.WriteFile(cfg, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return cfg
}

func execute(t *testing.T, src source.Source, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(Options{
		NewSource: func(context.Context, *config.Config, zerolog.Logger) (source.Source, error) {
			return src, nil
		},
	})
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newMemSource() *memSource {
	return &memSource{
		docs: []source.Document{
			{ID: "D1", Name: "People", Modified: "2024-01-01T00:00:00Z"},
			{ID: "D2", Name: "Contacts", Modified: "2024-01-02T00:00:00Z"},
		},
		rows: map[string][][]string{
			"D1/Sheet1": {{"Name", "Age"}, {"Ada", "36"}, {"Alan", "41"}},
			"D2/Sheet1": {{"Name", "Phone"}, {"Bob", "555"}},
		},
	}
}

func TestRunCommand(t *testing.T) {
	cfg := setup(t)
	src := newMemSource()

	out, err := execute(t, src, "--config", cfg, "run")
	if err == nil {
		t.Fatal("expected error for the failing job")
	}
	if !strings.Contains(err.Error(), "D2/Sheet1") {
		t.Errorf("error %q does not name the failing job", err)
	}
	for _, want := range []string{
		"discovered 2 document(s)",
		"loaded    D1/Sheet1 -> people (2 rows)",
		"failed    D2/Sheet1",
		"ok        D1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}

	out, err = execute(t, src, "--config", cfg, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "D1") || !strings.Contains(out, "people") || !strings.Contains(out, "current") {
		t.Errorf("status output:\n%s", out)
	}
	if strings.Contains(out, "broken") {
		t.Errorf("failed job listed in status:\n%s", out)
	}
}

func TestDiscoverAndLoadCommands(t *testing.T) {
	cfg := setup(t)
	src := newMemSource()
	src.rows["D2/Sheet1"] = [][]string{{"Email"}, {"a@example.com"}}

	out, err := execute(t, src, "--config", cfg, "discover")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !strings.Contains(out, "-> 2024-01-02T00:00:00Z/D2") {
		t.Errorf("discover output: %s", out)
	}

	out, err = execute(t, src, "--config", cfg, "load")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(out, "loaded    D1/Sheet1") || !strings.Contains(out, "loaded    D2/Sheet1") {
		t.Errorf("load output:\n%s", out)
	}

	out, err = execute(t, src, "--config", cfg, "load")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if strings.TrimSpace(out) != "" {
		t.Errorf("second load did work:\n%s", out)
	}
}

func TestVerifyCommand(t *testing.T) {
	cfg := setup(t)
	src := newMemSource()
	if _, err := execute(t, src, "--config", cfg, "discover"); err != nil {
		t.Fatalf("discover: %v", err)
	}
	src.docs = src.docs[1:]

	out, err := execute(t, src, "--config", cfg, "verify", "--count", "5")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "gone      D1") || !strings.Contains(out, "ok        D2") {
		t.Errorf("verify output:\n%s", out)
	}
}

func TestForgetCommand(t *testing.T) {
	cfg := setup(t)
	src := newMemSource()
	if _, err := execute(t, src, "--config", cfg, "run"); err == nil {
		t.Fatal("expected run to report the failing job")
	}

	out, err := execute(t, src, "--config", cfg, "forget", "D1")
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if !strings.Contains(out, "removed D1 and 1 job(s)") {
		t.Errorf("forget output: %s", out)
	}

	if _, err := execute(t, src, "--config", cfg, "forget", "D1"); err == nil {
		t.Error("forgetting an unknown document should fail")
	}
}

func TestSheetsCommand(t *testing.T) {
	cfg := setup(t)
	out, err := execute(t, newMemSource(), "--config", cfg, "sheets", "D1")
	if err != nil {
		t.Fatalf("sheets: %v", err)
	}
	if out != "Sheet1\nLookup\n" {
		t.Errorf("sheets output = %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	// version needs no configuration.
	out, err := execute(t, nil, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != Version {
		t.Errorf("version output = %q, want %q", out, Version)
	}
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: oracle\n  dsn: x\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := execute(t, newMemSource(), "--config", path, "status")
	if err == nil || !strings.Contains(err.Error(), "unsupported database.driver") {
		t.Errorf("err = %v, want unsupported driver", err)
	}
}
