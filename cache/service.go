// Package cache implements a remote build cache on top of an object storage
// bucket. Keys are content fingerprints supplied by the caller, values are
// opaque byte streams stored one object per key.
//
// Loading an entry older than the configured refresh interval re-writes it
// so that a bucket lifecycle rule based on object age only removes entries
// that are no longer read.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/idlestate/gcsbuildcache/pkg/metrics"
)

const (
	opStore   = "store"
	opLoad    = "load"
	opRefresh = "refresh"

	counterHits          = "hits"
	counterMisses        = "misses"
	counterStores        = "stores"
	counterStoreErrors   = "store_errors"
	counterLoadErrors    = "load_errors"
	counterRefreshes     = "refreshes"
	counterRefreshErrors = "refresh_errors"
)

// Service stores and loads cache entries. It is safe for concurrent use;
// operations on different keys never wait for each other.
type Service struct {
	cfg      Config
	bucket   Bucket
	policy   refreshPolicy
	logger   *slog.Logger
	latency  *metrics.LatencyTracker
	counters *metrics.Counters
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock sets the time source used by the refresh policy.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.policy.now = now }
}

// New validates cfg, opens the bucket through open and returns a ready
// Service. A *ConfigurationError is returned before open is called.
func New(ctx context.Context, cfg Config, open Opener, opts ...Option) (*Service, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		logger:   slog.New(slog.DiscardHandler),
		latency:  metrics.NewLatencyTracker(metrics.DefaultRelativeAccuracy),
		counters: metrics.NewCounters(),
		policy:   refreshPolicy{now: time.Now},
	}
	if !cfg.SkipRefresh {
		s.policy.after = cfg.RefreshInterval()
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger.LogAttrs(ctx, slog.LevelInfo, "configuring remote build cache", cfg.Describe()...)

	bucket, err := open(ctx, cfg.CredentialsPath, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	s.bucket = bucket
	return s, nil
}

// Config returns the resolved configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Store writes entry under key, replacing any previous entry.
//
// Entries up to the write threshold are buffered and uploaded in one
// request, larger entries are streamed. A failure of the remote store is
// returned as a *StorageError; a failure of entry itself aborts the upload.
func (s *Service) Store(ctx context.Context, key string, entry io.WriterTo) error {
	defer s.latency.Since(opStore, time.Now())

	object := ObjectName(s.cfg.Prefix, key)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	spool := newSpoolWriter(s.cfg.WriteThreshold, func(size int64) (io.WriteCloser, error) {
		return s.bucket.NewWriter(ctx, object, size)
	})

	if _, err := entry.WriteTo(spool); err != nil {
		cancel()
		spool.abort()
		s.counters.Inc(counterStoreErrors)
		var re remoteError
		if errors.As(err, &re) {
			return s.storageError(opStore, object, re.err)
		}
		return fmt.Errorf("write cache entry %q: %w", key, err)
	}

	buffered := spool.spooled()
	if err := spool.finish(); err != nil {
		cancel()
		spool.abort()
		s.counters.Inc(counterStoreErrors)
		return s.storageError(opStore, object, err)
	}

	s.counters.Inc(counterStores)
	s.logger.Debug("stored cache entry", "object", object, "buffered", buffered > 0)
	return nil
}

// Load copies the entry stored under key into sink and reports a hit.
// A key that was never stored is a miss: (false, nil). Any other failure of
// the remote store, including one in the middle of the copy, is returned as
// a *StorageError.
func (s *Service) Load(ctx context.Context, key string, sink io.Writer) (bool, error) {
	defer s.latency.Since(opLoad, time.Now())

	object := ObjectName(s.cfg.Prefix, key)

	// Attributes are only needed to decide on a refresh.
	var attrs ObjectAttrs
	if s.policy.enabled() {
		var err error
		attrs, err = s.bucket.Attrs(ctx, object)
		if err != nil {
			return s.loadFailed(object, err)
		}
	}

	r, err := s.bucket.NewReader(ctx, object)
	if err != nil {
		return s.loadFailed(object, err)
	}
	defer r.Close()

	n, err := io.Copy(sink, remoteReader{r})
	if err != nil {
		s.counters.Inc(counterLoadErrors)
		var re remoteError
		if errors.As(err, &re) {
			return false, s.storageError(opLoad, object, fmt.Errorf("after %d bytes: %w", n, re.err))
		}
		return false, fmt.Errorf("read cache entry %q: %w", key, err)
	}

	s.refresh(ctx, object, attrs)

	s.counters.Inc(counterHits)
	s.logger.Debug("cache hit", "object", object, "bytes", n)
	return true, nil
}

func (s *Service) loadFailed(object string, err error) (bool, error) {
	if errors.Is(err, ErrNotExist) {
		s.counters.Inc(counterMisses)
		s.logger.Debug("cache miss", "object", object)
		return false, nil
	}
	s.counters.Inc(counterLoadErrors)
	return false, s.storageError(opLoad, object, err)
}

func (s *Service) storageError(op, object string, err error) error {
	return &StorageError{Op: op, Bucket: s.bucket.Name(), Object: object, Err: err}
}

// Stats returns latency statistics per operation and the current counters.
func (s *Service) Stats() ([]metrics.Stats, metrics.CounterSnapshot) {
	return s.latency.GetAllStats(), s.counters.Snapshot()
}

// Close releases the bucket handle. The service must not be used afterwards.
func (s *Service) Close() error {
	if err := s.bucket.Close(); err != nil {
		return fmt.Errorf("close bucket %q: %w", s.bucket.Name(), err)
	}
	return nil
}
