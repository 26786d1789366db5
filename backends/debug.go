package backends

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/idlestate/gcsbuildcache/cache"
)

// Debug wraps any cache.Bucket and logs every call at debug level.
// This keeps the logging out of the individual drivers.
type Debug struct {
	bucket cache.Bucket
	logger *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing bucket.
func NewDebug(bucket cache.Bucket, logger *slog.Logger) *Debug {
	return &Debug{
		bucket: bucket,
		logger: logger.With("bucket", bucket.Name()),
	}
}

// WithDebug wraps the bucket produced by open in a Debug.
func WithDebug(open cache.Opener, logger *slog.Logger) cache.Opener {
	return func(ctx context.Context, credentialsPath, bucket string) (cache.Bucket, error) {
		b, err := open(ctx, credentialsPath, bucket)
		if err != nil {
			logger.Debug("open bucket failed", "bucket", bucket, "error", err)
			return nil, err
		}
		logger.Debug("opened bucket", "bucket", bucket)
		return NewDebug(b, logger), nil
	}
}

func (d *Debug) Name() string { return d.bucket.Name() }

func (d *Debug) Attrs(ctx context.Context, object string) (cache.ObjectAttrs, error) {
	attrs, err := d.bucket.Attrs(ctx, object)
	if err != nil {
		d.logger.Debug("attrs", "object", object, "error", err)
		return attrs, err
	}
	d.logger.Debug("attrs", "object", object, "size", attrs.Size, "created", attrs.Created)
	return attrs, nil
}

func (d *Debug) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	r, err := d.bucket.NewReader(ctx, object)
	if err != nil {
		d.logger.Debug("read", "object", object, "error", err)
		return nil, err
	}
	return &debugReader{ReadCloser: r, logger: d.logger, object: object, start: time.Now()}, nil
}

func (d *Debug) NewWriter(ctx context.Context, object string, size int64) (io.WriteCloser, error) {
	w, err := d.bucket.NewWriter(ctx, object, size)
	if err != nil {
		d.logger.Debug("write", "object", object, "size", size, "error", err)
		return nil, err
	}
	return &debugWriter{WriteCloser: w, logger: d.logger, object: object, size: size, start: time.Now()}, nil
}

func (d *Debug) Touch(ctx context.Context, object string) error {
	err := d.bucket.Touch(ctx, object)
	d.logger.Debug("touch", "object", object, "error", err)
	return err
}

func (d *Debug) Close() error {
	err := d.bucket.Close()
	d.logger.Debug("close", "error", err)
	return err
}

type debugReader struct {
	io.ReadCloser
	logger *slog.Logger
	object string
	start  time.Time
	n      int64
}

func (r *debugReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *debugReader) Close() error {
	err := r.ReadCloser.Close()
	r.logger.Debug("read", "object", r.object, "bytes", r.n, "elapsed", time.Since(r.start), "error", err)
	return err
}

type debugWriter struct {
	io.WriteCloser
	logger *slog.Logger
	object string
	size   int64
	start  time.Time
	n      int64
}

func (w *debugWriter) Write(p []byte) (int, error) {
	n, err := w.WriteCloser.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *debugWriter) Close() error {
	err := w.WriteCloser.Close()
	w.logger.Debug("write", "object", w.object, "size", w.size, "bytes", w.n, "elapsed", time.Since(w.start), "error", err)
	return err
}
