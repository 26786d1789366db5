package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"

	"github.com/idlestate/gcsbuildcache/backends"
	"github.com/idlestate/gcsbuildcache/backends/gcs"
	"github.com/idlestate/gcsbuildcache/backends/s3"
	"github.com/idlestate/gcsbuildcache/cache"
	"github.com/idlestate/gcsbuildcache/pkg/locking"
)

// Lock types accepted by -lock-type.
const (
	lockFlock  = "flock"
	lockMemory = "memory"
	lockNone   = "none"
)

// appConfig is the command line configuration. Environment variables
// provide the defaults, flags override them.
type appConfig struct {
	Backend             string `env:"GCSBUILDCACHE_BACKEND" envDefault:"gcs"`
	Credentials         string `env:"GCSBUILDCACHE_CREDENTIALS"`
	Bucket              string `env:"GCSBUILDCACHE_BUCKET"`
	Prefix              string `env:"GCSBUILDCACHE_PREFIX"`
	RefreshAfterSeconds int    `env:"GCSBUILDCACHE_REFRESH_AFTER_SECONDS" envDefault:"0"`
	WriteThreshold      int64  `env:"GCSBUILDCACHE_WRITE_THRESHOLD"`
	ReadOnly            bool   `env:"GCSBUILDCACHE_READ_ONLY"`

	CacheDir string `env:"GCSBUILDCACHE_CACHE_DIR"`
	LockType string `env:"GCSBUILDCACHE_LOCK_TYPE" envDefault:"flock"`

	LogLevel string `env:"GCSBUILDCACHE_LOG_LEVEL" envDefault:"warn"`
	Debug    bool   `env:"GCSBUILDCACHE_DEBUG"`
	Stats    bool   `env:"GCSBUILDCACHE_STATS"`

	GCSEndpoint  string `env:"GCSBUILDCACHE_GCS_ENDPOINT"`
	GCSChunkSize int    `env:"GCSBUILDCACHE_GCS_CHUNK_SIZE"`
	S3Region     string `env:"GCSBUILDCACHE_S3_REGION"`
	S3Endpoint   string `env:"GCSBUILDCACHE_S3_ENDPOINT"`
	S3PathStyle  bool   `env:"GCSBUILDCACHE_S3_PATH_STYLE"`
	S3PartSize   int64  `env:"GCSBUILDCACHE_S3_PART_SIZE"`

	// Command is the first positional argument: "serve" (default) or "clear".
	Command string `env:"-"`
}

// loadConfig parses the environment and then args.
func loadConfig(args []string, output io.Writer) (appConfig, error) {
	var cfg appConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("gcsbuildcache", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "storage backend: gcs, s3 or memory")
	fs.StringVar(&cfg.Credentials, "credentials", cfg.Credentials, "path to a credential document (default: ambient credentials)")
	fs.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "bucket holding the cache (required)")
	fs.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "object name prefix inside the bucket")
	fs.IntVar(&cfg.RefreshAfterSeconds, "refresh-after", cfg.RefreshAfterSeconds, "re-write entries older than this many seconds when read, 0 disables")
	fs.Int64Var(&cfg.WriteThreshold, "write-threshold", cfg.WriteThreshold,
		fmt.Sprintf("entries up to this many bytes are buffered and sent in one request, larger ones are streamed; 0 selects the default of %d bytes, not streaming everything", cache.DefaultWriteThreshold))
	fs.BoolVar(&cfg.ReadOnly, "read-only", cfg.ReadOnly, "never write to the bucket: no pushes, no refreshes")
	fs.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "local cache directory (default: user cache dir)")
	fs.StringVar(&cfg.LockType, "lock-type", cfg.LockType, "per-entry locking: flock, memory or none")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "log every bucket call")
	fs.BoolVar(&cfg.Stats, "stats", cfg.Stats, "print cache statistics on exit")
	fs.StringVar(&cfg.GCSEndpoint, "gcs-endpoint", cfg.GCSEndpoint, "override the GCS endpoint")
	fs.IntVar(&cfg.GCSChunkSize, "gcs-chunk-size", cfg.GCSChunkSize, "resumable upload chunk size for streamed entries, rounded down to a multiple of 256 KiB (default: the write threshold)")
	fs.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "override the S3 endpoint")
	fs.BoolVar(&cfg.S3PathStyle, "s3-path-style", cfg.S3PathStyle, "use path style S3 addressing")
	fs.Int64Var(&cfg.S3PartSize, "s3-part-size", cfg.S3PartSize, "multipart upload part size for streamed entries, at least 5 MiB (default 5 MiB)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	switch fs.NArg() {
	case 0:
		cfg.Command = "serve"
	case 1:
		cfg.Command = fs.Arg(0)
	default:
		return cfg, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}

	if cfg.CacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return cfg, fmt.Errorf("no -cache-dir given and no user cache dir: %w", err)
		}
		cfg.CacheDir = filepath.Join(dir, "gcsbuildcache")
	}
	return cfg, nil
}

// cacheConfig returns the settings of the remote cache service.
func (c appConfig) cacheConfig() cache.Config {
	return cache.Config{
		CredentialsPath: c.Credentials,
		Bucket:          c.Bucket,
		Prefix:          c.Prefix,
		RefreshAfter:    c.RefreshAfterSeconds,
		WriteThreshold:  c.WriteThreshold,
		SkipRefresh:     c.ReadOnly,
	}
}

// backendOptions returns the driver settings. Unless set explicitly the GCS
// chunk size follows the write threshold, so a streamed entry never holds
// more than one threshold's worth of data in memory.
func (c appConfig) backendOptions() backends.Options {
	chunkSize := c.GCSChunkSize
	if chunkSize <= 0 {
		chunkSize = int(c.WriteThreshold)
		if chunkSize <= 0 {
			chunkSize = int(cache.DefaultWriteThreshold)
		}
	}
	return backends.Options{
		GCS: gcs.Options{Endpoint: c.GCSEndpoint, ChunkSize: chunkSize},
		S3: s3.Options{
			Region:       c.S3Region,
			Endpoint:     c.S3Endpoint,
			UsePathStyle: c.S3PathStyle,
			PartSize:     c.S3PartSize,
		},
	}
}

func (c appConfig) objectsDir() string { return filepath.Join(c.CacheDir, "objects") }
func (c appConfig) locksDir() string   { return filepath.Join(c.CacheDir, "locks") }

func (c appConfig) lockGroup() (locking.Group, error) {
	switch c.LockType {
	case lockFlock:
		return locking.NewFlockGroup(c.locksDir())
	case lockMemory:
		return locking.NewMemLock(), nil
	case lockNone:
		return locking.NewNoOpGroup(), nil
	default:
		return nil, fmt.Errorf("unknown lock type %q", c.LockType)
	}
}

func (c appConfig) newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if c.Debug && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
