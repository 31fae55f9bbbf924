package pdf

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/ternarybob/arbor"
)

const gcsScheme = "gs://"

// SourceFetcher resolves a source location to a local file. Local paths and
// file:// URLs are used in place; gs://bucket/object is downloaded.
type SourceFetcher struct {
	tempDir string
	logger  arbor.ILogger

	mu        sync.Mutex
	client    *storage.Client
	newClient func(ctx context.Context) (*storage.Client, error)
}

// NewSourceFetcher creates a fetcher. The storage client is created on the
// first gs:// source.
func NewSourceFetcher(tempDir string, logger arbor.ILogger) *SourceFetcher {
	return &SourceFetcher{
		tempDir: tempDir,
		logger:  logger,
		newClient: func(ctx context.Context) (*storage.Client, error) {
			return storage.NewClient(ctx)
		},
	}
}

// Fetch returns a local path for the source and a cleanup func that removes
// any downloaded copy.
func (f *SourceFetcher) Fetch(ctx context.Context, source string) (string, func(), error) {
	noop := func() {}

	if strings.HasPrefix(source, gcsScheme) {
		bucket, object, err := parseGCSLocation(source)
		if err != nil {
			return "", noop, err
		}
		return f.fetchGCS(ctx, bucket, object)
	}

	path := strings.TrimPrefix(source, "file://")
	info, err := os.Stat(path)
	if err != nil {
		return "", noop, fmt.Errorf("source %s is not readable: %w", source, err)
	}
	if info.IsDir() {
		return "", noop, fmt.Errorf("source %s is a directory", source)
	}
	return path, noop, nil
}

// Close releases the storage client if one was created.
func (f *SourceFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client == nil {
		return nil
	}
	err := f.client.Close()
	f.client = nil
	return err
}

func (f *SourceFetcher) fetchGCS(ctx context.Context, bucket, object string) (string, func(), error) {
	noop := func() {}

	client, err := f.storageClient(ctx)
	if err != nil {
		return "", noop, err
	}

	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return "", noop, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	pattern := "folio-src-*" + fileExtension(object)
	localFile, err := os.CreateTemp(f.tempDir, pattern)
	if err != nil {
		return "", noop, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := localFile.Name()
	cleanup := func() { os.Remove(path) }

	_, copyErr := io.Copy(localFile, reader)
	closeErr := localFile.Close()
	if copyErr != nil || closeErr != nil {
		cleanup()
		if copyErr == nil {
			copyErr = closeErr
		}
		return "", noop, fmt.Errorf("failed to copy gs://%s/%s to local file: %w", bucket, object, copyErr)
	}

	f.logger.Debug().
		Str("bucket", bucket).
		Str("object", object).
		Str("path", path).
		Msg("Fetched GCS source")
	return path, cleanup, nil
}

func (f *SourceFetcher) storageClient(ctx context.Context) (*storage.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client != nil {
		return f.client, nil
	}
	client, err := f.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	f.client = client
	return client, nil
}

// parseGCSLocation splits gs://bucket/path/to/object.
func parseGCSLocation(source string) (string, string, error) {
	rest := strings.TrimPrefix(source, gcsScheme)
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid GCS location %q: expected gs://bucket/object", source)
	}
	return bucket, object, nil
}
