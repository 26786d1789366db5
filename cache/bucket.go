package cache

import (
	"context"
	"io"
	"time"
)

// ObjectAttrs is the subset of remote object metadata the cache relies on.
type ObjectAttrs struct {
	Size    int64
	Created time.Time
}

// Bucket is a handle to exactly one remote container. Implementations must be
// safe for concurrent use; operations on distinct objects must not block each
// other. Missing objects are reported as ErrNotExist.
type Bucket interface {
	// Name returns the bucket name, used in error reports.
	Name() string

	// Attrs returns the metadata of the named object.
	Attrs(ctx context.Context, object string) (ObjectAttrs, error)

	// NewReader opens the named object for reading.
	NewReader(ctx context.Context, object string) (io.ReadCloser, error)

	// NewWriter starts an upload that replaces the named object once Close
	// returns nil. size is the exact length when known, -1 otherwise.
	// Cancelling ctx before Close aborts the upload without committing.
	NewWriter(ctx context.Context, object string, size int64) (io.WriteCloser, error)

	// Touch rewrites the named object onto itself so its creation time
	// becomes the current time.
	Touch(ctx context.Context, object string) error

	// Close releases the underlying client.
	Close() error
}

// Opener resolves credentials and the bucket handle. It is called once by
// New, after the configuration has been validated.
type Opener func(ctx context.Context, credentialsPath, bucket string) (Bucket, error)
