package s3source

import (
	"context"
	"testing"

	"github.com/infobloxopen/sheets-etl/internal/testutil"
	"github.com/rs/zerolog"
)

func TestE2E_ListAndRead(t *testing.T) {
	testutil.SkipIfNoS3(t)

	ctx := context.Background()
	s3Client, err := testutil.NewTestS3Client(ctx)
	if err != nil {
		t.Fatalf("NewTestS3Client: %v", err)
	}

	bucket := "sheets-etl-e2e"
	if err := testutil.CreateBucket(ctx, s3Client, bucket); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	defer func() {
		if err := testutil.CleanBucket(ctx, s3Client, bucket); err != nil {
			t.Logf("CleanBucket: %v", err)
		}
	}()

	files := map[string]int{
		"data/2024/file_a.parquet": 10,
		"data/2024/file_b.parquet": 20,
		"readme.txt":               0,
	}
	for key, n := range files {
		data, err := testutil.PeopleSheet(n).Parquet()
		if err != nil {
			t.Fatalf("Parquet for %s: %v", key, err)
		}
		if err := testutil.UploadObject(ctx, s3Client, bucket, key, data); err != nil {
			t.Fatalf("UploadObject %s: %v", key, err)
		}
	}

	c, err := New(ctx, Options{
		Bucket:    bucket,
		Region:    testutil.DefaultRegion,
		Endpoint:  testutil.TestEndpoint(),
		PathStyle: true,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// LocalStack accepts any credentials; New resolves them from the
	// environment, so point it at the fixed test client instead.
	c = NewWithAPI(s3Client, c.opts)

	docs, err := c.ListDocumentsModifiedSince(ctx, "2001-01-01T00:00:00Z", "", 100)
	if err != nil {
		t.Fatalf("ListDocumentsModifiedSince: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2: %v", len(docs), docs)
	}

	for _, d := range docs {
		meta, err := c.GetDocumentMetadata(ctx, d.ID)
		if err != nil {
			t.Fatalf("GetDocumentMetadata %s: %v", d.ID, err)
		}
		if meta.Modified != d.Modified {
			t.Errorf("%s: HeadObject modified %s, listing %s", d.ID, meta.Modified, d.Modified)
		}
		rows, err := c.GetSubTableRows(ctx, d.ID, SubTable)
		if err != nil {
			t.Fatalf("GetSubTableRows %s: %v", d.ID, err)
		}
		if got, want := len(rows)-1, files[d.ID]; got != want {
			t.Errorf("%s: got %d data rows, want %d", d.ID, got, want)
		}
	}
}
