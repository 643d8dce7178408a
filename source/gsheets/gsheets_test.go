package gsheets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/infobloxopen/sheets-etl/source"
	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), Options{
		Endpoint:       srv.URL,
		HTTPClient:     srv.Client(),
		PageSize:       2,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func apiError(code int, reason string) map[string]any {
	return map[string]any{"error": map[string]any{
		"code":    code,
		"message": reason,
		"errors":  []map[string]any{{"reason": reason, "message": reason}},
	}}
}

func file(id, modified string) map[string]any {
	return map[string]any{"id": id, "name": "sheet " + id, "modifiedTime": modified}
}

func TestListDocumentsModifiedSince(t *testing.T) {
	pages := map[string]map[string]any{
		"": {"nextPageToken": "p2", "files": []any{
			file("b", "2024-01-01T00:00:00.000Z"),
			file("a", "2024-01-01T00:00:00.000Z"),
		}},
		"p2": {"nextPageToken": "p3", "files": []any{
			file("c", "2024-01-02T00:00:00.000Z"),
			file("d", "2024-01-03T00:00:00.000Z"),
		}},
		"p3": {"files": []any{file("e", "2024-01-04T00:00:00.000Z")}},
	}
	var queries []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("q"))
		if got := r.URL.Query().Get("orderBy"); got != "modifiedTime" {
			t.Errorf("orderBy = %q, want modifiedTime", got)
		}
		writeJSON(t, w, http.StatusOK, pages[r.URL.Query().Get("pageToken")])
	})
	c := newTestClient(t, mux)

	docs, err := c.ListDocumentsModifiedSince(context.Background(), "2024-01-01T00:00:00.000Z", "a", 2)
	if err != nil {
		t.Fatalf("ListDocumentsModifiedSince: %v", err)
	}

	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	// a is the boundary itself and is not returned.
	if diff := cmp.Diff([]string{"b", "c"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	// Page 3 is never needed: page 2 moves past the tie group of the
	// second document.
	if len(queries) != 2 {
		t.Errorf("requested %d pages, want 2", len(queries))
	}
	if !strings.Contains(queries[0], "modifiedTime >= '2024-01-01T00:00:00.000Z'") {
		t.Errorf("query %q lacks modifiedTime bound", queries[0])
	}
	if !strings.Contains(queries[0], "mimeType = 'application/vnd.google-apps.spreadsheet'") {
		t.Errorf("query %q lacks mime type", queries[0])
	}
}

func TestListDocumentsModifiedSince_TieGroupAcrossPages(t *testing.T) {
	pages := map[string]map[string]any{
		"": {"nextPageToken": "p2", "files": []any{
			file("z", "2024-01-01T00:00:00.000Z"),
			file("y", "2024-01-01T00:00:00.000Z"),
		}},
		"p2": {"files": []any{
			file("a", "2024-01-01T00:00:00.000Z"),
			file("m", "2024-01-05T00:00:00.000Z"),
		}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, pages[r.URL.Query().Get("pageToken")])
	})
	c := newTestClient(t, mux)

	docs, err := c.ListDocumentsModifiedSince(context.Background(), "2001-01-01T00:00:00Z", "", 2)
	if err != nil {
		t.Fatalf("ListDocumentsModifiedSince: %v", err)
	}
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	if diff := cmp.Diff([]string{"a", "y"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestGetDocumentMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /drive/v3/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "doc1":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"id": "doc1", "name": "Budget", "modifiedTime": "2024-03-04T05:06:07.089Z",
			})
		case "trashed":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"id": "trashed", "name": "Old", "modifiedTime": "2024-03-04T05:06:07.089Z", "trashed": true,
			})
		case "private":
			writeJSON(t, w, http.StatusForbidden, apiError(http.StatusForbidden, "insufficientFilePermissions"))
		default:
			writeJSON(t, w, http.StatusNotFound, apiError(http.StatusNotFound, "notFound"))
		}
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	doc, err := c.GetDocumentMetadata(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetDocumentMetadata: %v", err)
	}
	want := source.Document{ID: "doc1", Name: "Budget", Modified: "2024-03-04T05:06:07.089Z"}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}

	for _, id := range []string{"missing", "private", "trashed"} {
		t.Run(id, func(t *testing.T) {
			_, err := c.GetDocumentMetadata(ctx, id)
			if !errors.Is(err, source.ErrNotAccessible) {
				t.Fatalf("err = %v, want ErrNotAccessible", err)
			}
			var nae *source.NotAccessibleError
			if !errors.As(err, &nae) || nae.DocumentID != id {
				t.Errorf("err = %#v, want NotAccessibleError for %q", err, id)
			}
		})
	}
}

func TestGetSubTableRows(t *testing.T) {
	var gotRange string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v4/spreadsheets/{id}/values/{range}", func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.PathValue("range")
		writeJSON(t, w, http.StatusOK, map[string]any{
			"range":          "'Q1 ''24'!A1:C3",
			"majorDimension": "ROWS",
			"values": []any{
				[]any{"Name", "Amount", "Note"},
				[]any{"rent", "1200"},
				[]any{"food", 12.5, "weekly"},
			},
		})
	})
	c := newTestClient(t, mux)

	rows, err := c.GetSubTableRows(context.Background(), "doc1", "Q1 '24")
	if err != nil {
		t.Fatalf("GetSubTableRows: %v", err)
	}
	if gotRange != "'Q1 ''24'" {
		t.Errorf("range = %q, want %q", gotRange, "'Q1 ''24'")
	}
	want := [][]string{
		{"Name", "Amount", "Note"},
		{"rent", "1200"},
		{"food", "12.5", "weekly"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestSubTables(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v4/spreadsheets/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"sheets": []any{
			map[string]any{"properties": map[string]any{"title": "Data", "sheetType": "GRID"}},
			map[string]any{"properties": map[string]any{"title": "Chart1", "sheetType": "OBJECT"}},
			map[string]any{"properties": map[string]any{"title": "Lookup", "sheetType": "GRID"}},
		}})
	})
	c := newTestClient(t, mux)

	titles, err := c.SubTables(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("SubTables: %v", err)
	}
	if diff := cmp.Diff([]string{"Data", "Lookup"}, titles); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		status    int
		reason    string
		wantCalls int32
		wantErr   error
	}{
		{name: "recovers after 503", failures: 2, status: http.StatusServiceUnavailable, reason: "backendError", wantCalls: 3},
		{name: "rate limited 403", failures: 1, status: http.StatusForbidden, reason: "userRateLimitExceeded", wantCalls: 2},
		{name: "exhausted 429", failures: 100, status: http.StatusTooManyRequests, reason: "rateLimitExceeded", wantCalls: 3, wantErr: source.ErrTransient},
		{name: "bad request not retried", failures: 100, status: http.StatusBadRequest, reason: "badRequest", wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			mux := http.NewServeMux()
			mux.HandleFunc("GET /v4/spreadsheets/{id}/values/{range}", func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failures {
					writeJSON(t, w, tt.status, apiError(tt.status, tt.reason))
					return
				}
				writeJSON(t, w, http.StatusOK, map[string]any{"values": []any{[]any{"h"}}})
			})
			c := newTestClient(t, mux)

			_, err := c.GetSubTableRows(context.Background(), "doc1", "Data")
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				var te *source.TransientError
				if errors.As(err, &te) && te.Attempts != int(tt.wantCalls) {
					t.Errorf("Attempts = %d, want %d", te.Attempts, tt.wantCalls)
				}
			case tt.failures > tt.wantCalls:
				if err == nil {
					t.Fatal("expected error")
				}
				if errors.Is(err, source.ErrTransient) || errors.Is(err, source.ErrNotAccessible) {
					t.Errorf("err = %v, want plain failure", err)
				}
			default:
				if err != nil {
					t.Fatalf("GetSubTableRows: %v", err)
				}
			}
		})
	}
}

func TestListDocumentsModifiedSince_CanceledContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusServiceUnavailable, apiError(http.StatusServiceUnavailable, "backendError"))
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.ListDocumentsModifiedSince(ctx, "2001-01-01T00:00:00Z", "", 10); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestNormalizeModified(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"2024-01-01T00:00:00.000Z", "2024-01-01T00:00:00.000Z"},
		{"2024-01-01T00:00:00Z", "2024-01-01T00:00:00.000Z"},
		{"2024-01-01T02:00:00.5+02:00", "2024-01-01T00:00:00.500Z"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := normalizeModified(tt.in); got != tt.want {
			t.Errorf("normalizeModified(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
