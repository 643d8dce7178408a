// Package s3source treats every Parquet object in an S3 bucket as a document
// with a single sub-table holding the file's rows.
package s3source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/infobloxopen/sheets-etl/internal/naming"
	"github.com/infobloxopen/sheets-etl/source"
	"github.com/rs/zerolog"
)

// SubTable is the name of the only sub-table of a Parquet document.
const SubTable = "data"

// modifiedLayout keeps nanosecond precision at a fixed width so stamps order
// lexically.
const modifiedLayout = "2006-01-02T15:04:05.000000000Z"

// API is the subset of the S3 client used here.
type API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures a Client.
type Options struct {
	Bucket       string
	Region       string
	LocalProfile string
	PathPrefix   string
	// Endpoint overrides the S3 endpoint, e.g. for LocalStack or MinIO.
	Endpoint  string
	PathStyle bool
	Logger    zerolog.Logger
}

// Client implements source.Source and source.SubTableLister over S3.
type Client struct {
	logger zerolog.Logger
	opts   Options
	api    API
}

var (
	_ source.Source         = (*Client)(nil)
	_ source.SubTableLister = (*Client)(nil)
)

// New loads the default AWS configuration and builds an S3 client.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	cfgOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.LocalProfile != "" {
		cfgOpts = append(cfgOpts, config.WithSharedConfigProfile(opts.LocalProfile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return NewWithAPI(s3.NewFromConfig(cfg, s3Opts...), opts), nil
}

// NewWithAPI wraps an existing S3 client.
func NewWithAPI(api API, opts Options) *Client {
	return &Client{
		logger: opts.Logger.With().Str("component", "s3source").Str("bucket", opts.Bucket).Logger(),
		opts:   opts,
		api:    api,
	}
}

// ListDocumentsModifiedSince lists every Parquet object under the configured
// prefix and returns those strictly after (since, sinceID).
func (c *Client) ListDocumentsModifiedSince(ctx context.Context, since, sinceID string, limit int) ([]source.Document, error) {
	objects, err := c.listObjects(ctx)
	if err != nil {
		return nil, err
	}
	docs := filterSince(objects, since, sinceID)
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// GetDocumentMetadata returns source.ErrNotAccessible when the object is
// missing or access is denied.
func (c *Client) GetDocumentMetadata(ctx context.Context, id string) (source.Document, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return source.Document{}, c.wrapError(id, err)
	}
	return source.Document{
		ID:       id,
		Name:     id,
		Modified: formatModified(out.LastModified),
	}, nil
}

// GetSubTableRows downloads the object and returns its column names followed
// by one row of cell text per record. Nulls become empty cells.
func (c *Client) GetSubTableRows(ctx context.Context, documentID, subTable string) ([][]string, error) {
	if subTable != SubTable {
		return nil, fmt.Errorf("object %s has no sub-table %q, only %q", documentID, subTable, SubTable)
	}
	rows, err := c.readParquetGrid(ctx, documentID)
	if err != nil {
		return nil, c.wrapError(documentID, err)
	}
	c.logger.Debug().Str("key", documentID).Int("rows", len(rows)).Msg("read parquet object")
	return rows, nil
}

// SubTables reports the single fixed sub-table.
func (c *Client) SubTables(ctx context.Context, documentID string) ([]string, error) {
	return []string{SubTable}, nil
}

// SuggestTable derives a target table name from an object key.
func SuggestTable(key string) string {
	return naming.Normalize(key)
}

func (c *Client) listObjects(ctx context.Context) ([]source.Document, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.opts.Bucket),
	}
	if c.opts.PathPrefix != "" {
		input.Prefix = aws.String(c.opts.PathPrefix)
	}

	var docs []source.Document
	paginator := s3.NewListObjectsV2Paginator(c.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", describeError(err, c.opts.Bucket))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(strings.ToLower(key), ".parquet") {
				continue
			}
			docs = append(docs, source.Document{
				ID:       key,
				Name:     key,
				Modified: formatModified(obj.LastModified),
			})
		}
	}
	return docs, nil
}

// filterSince keeps documents strictly after (since, sinceID), ordered by
// (Modified, ID).
func filterSince(docs []source.Document, since, sinceID string) []source.Document {
	var kept []source.Document
	for _, d := range docs {
		if d.Modified > since || (d.Modified == since && d.ID > sinceID) {
			kept = append(kept, d)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Modified != kept[j].Modified {
			return kept[i].Modified < kept[j].Modified
		}
		return kept[i].ID < kept[j].ID
	})
	return kept
}

func (c *Client) wrapError(key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "AccessDenied", "Forbidden":
			return &source.NotAccessibleError{DocumentID: key, Err: err}
		}
	}
	return err
}

// describeError adds bucket context to common S3 failures.
func describeError(err error, bucket string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("access denied for bucket %q: verify IAM permissions (s3:ListBucket, s3:GetObject): %w", bucket, err)
		case "NoSuchBucket":
			return fmt.Errorf("bucket not found: %q: verify the bucket name and region: %w", bucket, err)
		}
	}
	return err
}
