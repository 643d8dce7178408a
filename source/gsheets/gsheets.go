// Package gsheets reads spreadsheets through the Google Drive and Sheets
// APIs. Every request waits on a shared rate limiter and temporary failures
// are retried with exponential backoff.
package gsheets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/infobloxopen/sheets-etl/source"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const spreadsheetMimeType = "application/vnd.google-apps.spreadsheet"

// modifiedLayout is the fixed-width form Drive reports modifiedTime in.
const modifiedLayout = "2006-01-02T15:04:05.000Z"

// Options configures a Client.
type Options struct {
	CredentialsFile string
	// RequestsPerSecond throttles all API calls. Zero disables throttling
	// unless Limiter is set.
	RequestsPerSecond float64
	PageSize          int
	MaxRetries        int
	// Endpoint overrides the API root, e.g. for tests. Drive is served
	// under drive/v3/ and Sheets under v4/ of this root.
	Endpoint   string
	HTTPClient *http.Client
	// Limiter, when set, replaces the limiter built from RequestsPerSecond
	// so several clients can share one quota.
	Limiter *rate.Limiter
	// InitialBackoff is the first retry delay. Default 500ms.
	InitialBackoff time.Duration
	Logger         zerolog.Logger
}

// Client implements source.Source and source.SubTableLister.
type Client struct {
	drive          *drive.Service
	sheets         *sheets.Service
	limiter        *rate.Limiter
	pageSize       int
	maxRetries     int
	initialBackoff time.Duration
	logger         zerolog.Logger
}

var (
	_ source.Source         = (*Client)(nil)
	_ source.SubTableLister = (*Client)(nil)
)

// New builds the Drive and Sheets services.
func New(ctx context.Context, opts Options) (*Client, error) {
	var clientOpts []option.ClientOption
	switch {
	case opts.HTTPClient != nil:
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	case opts.CredentialsFile != "":
		clientOpts = append(clientOpts,
			option.WithCredentialsFile(opts.CredentialsFile),
			option.WithScopes(drive.DriveMetadataReadonlyScope, sheets.SpreadsheetsReadonlyScope))
	}

	driveOpts, sheetsOpts := clientOpts, clientOpts
	if opts.Endpoint != "" {
		root := strings.TrimRight(opts.Endpoint, "/") + "/"
		driveOpts = append(driveOpts[:len(driveOpts):len(driveOpts)], option.WithEndpoint(root+"drive/v3/"))
		sheetsOpts = append(sheetsOpts[:len(sheetsOpts):len(sheetsOpts)], option.WithEndpoint(root))
	}

	driveSvc, err := drive.NewService(ctx, driveOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive client: %w", err)
	}
	sheetsSvc, err := sheets.NewService(ctx, sheetsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets client: %w", err)
	}

	limiter := opts.Limiter
	if limiter == nil {
		limit := rate.Inf
		if opts.RequestsPerSecond > 0 {
			limit = rate.Limit(opts.RequestsPerSecond)
		}
		limiter = rate.NewLimiter(limit, 1)
	}
	c := &Client{
		drive:          driveSvc,
		sheets:         sheetsSvc,
		limiter:        limiter,
		pageSize:       opts.PageSize,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		logger:         opts.Logger.With().Str("component", "gsheets").Logger(),
	}
	if c.pageSize <= 0 {
		c.pageSize = 500
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 5
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = 500 * time.Millisecond
	}
	return c, nil
}

// ListDocumentsModifiedSince lists spreadsheets whose (Modified, ID) is
// strictly after (since, sinceID).
//
// Drive orders by modifiedTime only, so listing continues past limit until
// the group of documents sharing the last modifiedTime is complete. The
// result is then sorted by (Modified, ID) and cut to limit, which keeps
// every omitted document strictly after every returned one.
func (c *Client) ListDocumentsModifiedSince(ctx context.Context, since, sinceID string, limit int) ([]source.Document, error) {
	q := fmt.Sprintf("mimeType = '%s' and trashed = false and modifiedTime >= '%s'", spreadsheetMimeType, escapeQuery(since))

	var docs []source.Document
	pageToken := ""
	for {
		var page *drive.FileList
		err := c.retry(ctx, "files.list", func() error {
			call := c.drive.Files.List().Context(ctx).
				Q(q).
				OrderBy("modifiedTime").
				PageSize(int64(c.pageSize)).
				Fields("nextPageToken, files(id, name, modifiedTime)").
				SupportsAllDrives(true).
				IncludeItemsFromAllDrives(true)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			page, err = call.Do()
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, f := range page.Files {
			doc := source.Document{ID: f.Id, Name: f.Name, Modified: normalizeModified(f.ModifiedTime)}
			if doc.Modified < since || (doc.Modified == since && doc.ID <= sinceID) {
				continue
			}
			docs = append(docs, doc)
		}

		c.logger.Debug().
			Int("page_files", len(page.Files)).
			Int("collected", len(docs)).
			Msg("listed drive page")

		if page.NextPageToken == "" || groupComplete(docs, limit) {
			break
		}
		pageToken = page.NextPageToken
	}

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Modified != docs[j].Modified {
			return docs[i].Modified < docs[j].Modified
		}
		return docs[i].ID < docs[j].ID
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// groupComplete reports whether docs, in listing order, holds limit documents
// and already moved past the modifiedTime of the limit-th one.
func groupComplete(docs []source.Document, limit int) bool {
	if limit <= 0 || len(docs) <= limit {
		return false
	}
	return docs[len(docs)-1].Modified > docs[limit-1].Modified
}

// GetDocumentMetadata fetches one spreadsheet. Missing, trashed or unshared
// files are reported as source.ErrNotAccessible.
func (c *Client) GetDocumentMetadata(ctx context.Context, id string) (source.Document, error) {
	var f *drive.File
	err := c.retry(ctx, "files.get", func() error {
		var err error
		f, err = c.drive.Files.Get(id).Context(ctx).
			Fields("id, name, modifiedTime, trashed").
			SupportsAllDrives(true).
			Do()
		return err
	})
	if err != nil {
		return source.Document{}, notAccessible(id, err)
	}
	if f.Trashed {
		return source.Document{}, &source.NotAccessibleError{DocumentID: id, Err: errors.New("file is in trash")}
	}
	return source.Document{ID: f.Id, Name: f.Name, Modified: normalizeModified(f.ModifiedTime)}, nil
}

// GetSubTableRows returns the formatted values of the sheet named subTable.
func (c *Client) GetSubTableRows(ctx context.Context, documentID, subTable string) ([][]string, error) {
	var vr *sheets.ValueRange
	err := c.retry(ctx, "values.get", func() error {
		var err error
		vr, err = c.sheets.Spreadsheets.Values.Get(documentID, sheetRange(subTable)).Context(ctx).
			MajorDimension("ROWS").
			ValueRenderOption("FORMATTED_VALUE").
			Do()
		return err
	})
	if err != nil {
		return nil, notAccessible(documentID, err)
	}

	rows := make([][]string, len(vr.Values))
	for i, row := range vr.Values {
		cells := make([]string, len(row))
		for j, v := range row {
			if v != nil {
				cells[j] = fmt.Sprint(v)
			}
		}
		rows[i] = cells
	}
	return rows, nil
}

// SubTables returns the titles of the grid sheets of a spreadsheet, in tab
// order. Chart and object sheets are skipped.
func (c *Client) SubTables(ctx context.Context, documentID string) ([]string, error) {
	var ss *sheets.Spreadsheet
	err := c.retry(ctx, "spreadsheets.get", func() error {
		var err error
		ss, err = c.sheets.Spreadsheets.Get(documentID).Context(ctx).
			Fields("sheets(properties(title,sheetType))").
			Do()
		return err
	})
	if err != nil {
		return nil, notAccessible(documentID, err)
	}
	var titles []string
	for _, sh := range ss.Sheets {
		if sh.Properties == nil {
			continue
		}
		if t := sh.Properties.SheetType; t == "" || t == "GRID" {
			titles = append(titles, sh.Properties.Title)
		}
	}
	return titles, nil
}

// retry runs fn under the rate limiter until it succeeds, fails
// permanently or runs out of attempts. Exhausted retries surface as
// *source.TransientError.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = 32 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := fn()
		switch {
		case err == nil:
			return struct{}{}, nil
		case isRetryable(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempts).Dur("retry_in", next).Msg("request failed, retrying")
		}),
	)
	if err != nil && isRetryable(err) {
		return &source.TransientError{Op: op, Attempts: attempts, Err: err}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func isRetryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return true
		case gerr.Code == http.StatusForbidden:
			return isRateLimited(gerr)
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}

// notAccessible maps 404 and non-quota 403 responses to
// source.NotAccessibleError.
func notAccessible(id string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound ||
		(gerr.Code == http.StatusForbidden && !isRateLimited(gerr))) {
		return &source.NotAccessibleError{DocumentID: id, Err: err}
	}
	return err
}

func normalizeModified(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.UTC().Format(modifiedLayout)
}

// sheetRange quotes a sheet title as an A1 range covering the whole sheet.
func sheetRange(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
