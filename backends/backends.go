// Package backends selects the storage driver behind a cache.Service.
package backends

import (
	"context"

	"github.com/idlestate/gcsbuildcache/backends/gcs"
	"github.com/idlestate/gcsbuildcache/backends/memory"
	"github.com/idlestate/gcsbuildcache/backends/s3"
	"github.com/idlestate/gcsbuildcache/cache"
)

// Driver names accepted by Open.
const (
	GCS    = "gcs"
	S3     = "s3"
	Memory = "memory"
)

// Options carries the driver specific settings.
type Options struct {
	GCS gcs.Options
	S3  s3.Options
}

// Open returns the cache.Opener for the named driver.
func Open(driver string, opts Options) (cache.Opener, error) {
	switch driver {
	case GCS, "":
		return gcs.Opener(opts.GCS), nil
	case S3:
		return s3.Opener(opts.S3), nil
	case Memory:
		return func(_ context.Context, _, bucket string) (cache.Bucket, error) {
			return memory.New(bucket), nil
		}, nil
	default:
		return nil, &cache.ConfigurationError{Field: "backend", Reason: "must be one of gcs, s3, memory, got " + driver}
	}
}
