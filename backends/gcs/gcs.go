// Package gcs implements cache.Bucket on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/idlestate/gcsbuildcache/cache"
)

// Options tunes the GCS driver.
type Options struct {
	// ChunkSize is the resumable upload chunk size used for entries that
	// exceed the write threshold. It is rounded down to a multiple of
	// googleapi.MinUploadChunkSize; 0 selects cache.DefaultWriteThreshold.
	ChunkSize int

	// Endpoint overrides the storage API endpoint, e.g. for an emulator.
	Endpoint string
}

// Bucket is a cache.Bucket backed by one GCS bucket.
type Bucket struct {
	client    *storage.Client
	bucket    *storage.BucketHandle
	name      string
	chunkSize int
}

// Opener returns a cache.Opener that connects to GCS with opts.
func Opener(opts Options) cache.Opener {
	return func(ctx context.Context, credentialsPath, bucket string) (cache.Bucket, error) {
		return Open(ctx, credentialsPath, bucket, opts)
	}
}

// Open resolves credentials, creates a storage client and checks that the
// bucket is reachable. Credential failures are returned as
// *cache.CredentialError without touching the network for the bucket.
func Open(ctx context.Context, credentialsPath, bucket string, opts Options) (*Bucket, error) {
	credOpt, err := resolveCredentials(ctx, credentialsPath)
	if err != nil {
		return nil, err
	}

	clientOpts := []option.ClientOption{credOpt}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, &cache.StorageError{Op: "open", Bucket: bucket, Err: fmt.Errorf("create storage client: %w", err)}
	}

	b, err := NewFromClient(ctx, client, bucket, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

// NewFromClient wraps an existing client. The returned Bucket owns client
// and closes it in Close.
func NewFromClient(ctx context.Context, client *storage.Client, bucket string, opts Options) (*Bucket, error) {
	handle := client.Bucket(bucket)
	if _, err := handle.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrBucketNotExist) {
			err = fmt.Errorf("%s is unavailable: %w", bucket, err)
		}
		return nil, &cache.StorageError{Op: "open", Bucket: bucket, Err: err}
	}

	return &Bucket{
		client:    client,
		bucket:    handle,
		name:      bucket,
		chunkSize: uploadChunkSize(opts.ChunkSize),
	}, nil
}

// uploadChunkSize rounds n down to a whole number of upload chunks, so the
// buffer the storage client allocates is never larger than requested.
func uploadChunkSize(n int) int {
	if n <= 0 {
		n = int(cache.DefaultWriteThreshold)
	}
	n -= n % googleapi.MinUploadChunkSize
	return max(n, googleapi.MinUploadChunkSize)
}

func (b *Bucket) Name() string { return b.name }

func (b *Bucket) Attrs(ctx context.Context, object string) (cache.ObjectAttrs, error) {
	attrs, err := b.bucket.Object(object).Attrs(ctx)
	if err != nil {
		return cache.ObjectAttrs{}, mapError(err)
	}
	return cache.ObjectAttrs{Size: attrs.Size, Created: attrs.Created}, nil
}

func (b *Bucket) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	r, err := b.bucket.Object(object).NewReader(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return r, nil
}

// NewWriter uploads in a single request when size is known, since the data
// is already buffered by the caller. Unknown sizes use a resumable upload
// that holds at most one chunk in memory.
func (b *Bucket) NewWriter(ctx context.Context, object string, size int64) (io.WriteCloser, error) {
	w := b.bucket.Object(object).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if size >= 0 {
		w.ChunkSize = 0
	} else {
		w.ChunkSize = b.chunkSize
	}
	return w, nil
}

// Touch copies the object onto itself. The copy is a new generation, so its
// creation time is the time of the copy.
func (b *Bucket) Touch(ctx context.Context, object string) error {
	obj := b.bucket.Object(object)
	if _, err := obj.CopierFrom(obj).Run(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

func (b *Bucket) Close() error {
	return b.client.Close()
}

func mapError(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return cache.ErrNotExist
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 404 {
		return cache.ErrNotExist
	}
	return err
}
