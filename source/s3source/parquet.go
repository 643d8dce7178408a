package s3source

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const readBatchSize = 1024

// readParquetGrid downloads an object and flattens it into a header row of
// field names followed by the text of every cell.
func (c *Client) readParquetGrid(ctx context.Context, key string) ([][]string, error) {
	tmpFile, cleanup, err := c.downloadToTemp(ctx, key)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pf, err := file.OpenParquetFile(tmpFile.Name(), false)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file %s: %w", key, err)
	}
	defer func() { _ = pf.Close() }()

	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{
		Parallel:  true,
		BatchSize: readBatchSize,
	}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader for %s: %w", key, err)
	}

	sc, err := reader.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to read schema from %s: %w", key, err)
	}
	header := make([]string, sc.NumFields())
	for i, f := range sc.Fields() {
		header[i] = f.Name
	}
	grid := [][]string{header}

	rr, err := reader.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get record reader for %s: %w", key, err)
	}
	defer rr.Release()

	for rr.Next() {
		rec := rr.RecordBatch()
		cols := rec.Columns()
		for r := 0; r < int(rec.NumRows()); r++ {
			row := make([]string, len(cols))
			for j, col := range cols {
				if !col.IsNull(r) {
					row[j] = col.ValueStr(r)
				}
			}
			grid = append(grid, row)
		}
	}
	if err := rr.Err(); err != nil {
		return nil, fmt.Errorf("error reading records from %s: %w", key, err)
	}
	return grid, nil
}

// downloadToTemp copies an object into a temporary file. The caller must run
// the returned cleanup.
func (c *Client) downloadToTemp(ctx context.Context, key string) (*os.File, func(), error) {
	resp, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	tmpFile, err := os.CreateTemp("", "sheets-etl-*.parquet")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
	}

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to write temp file for %s: %w", key, err)
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to seek temp file for %s: %w", key, err)
	}
	return tmpFile, cleanup, nil
}

func formatModified(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(modifiedLayout)
}
