package cache

import (
	"log/slog"
	"strings"
	"time"
)

// DefaultWriteThreshold is the spool size used when Config.WriteThreshold is
// left unset. Entries at or below it are uploaded in a single request.
const DefaultWriteThreshold int64 = 8 << 20

// Config holds the settings of a Service.
type Config struct {
	// CredentialsPath points to a credential document for the storage
	// backend. Empty means the ambient default identity.
	CredentialsPath string

	// Bucket is the name of the remote bucket. Required.
	Bucket string

	// Prefix, when set, namespaces every object as "<Prefix>/<key>".
	Prefix string

	// RefreshAfter is the age in seconds after which a loaded object is
	// re-written to reset its creation time. 0 disables refresh.
	RefreshAfter int

	// WriteThreshold is the number of bytes an entry is buffered in memory
	// before the upload switches to streaming. 0 selects
	// DefaultWriteThreshold.
	WriteThreshold int64

	// SkipRefresh disables refresh writes regardless of RefreshAfter, for
	// deployments where loaders only hold read permissions on the bucket.
	SkipRefresh bool
}

// Validate checks cfg and returns a copy with defaults substituted.
// The only failure is a *ConfigurationError.
func (cfg Config) Validate() (Config, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return cfg, &ConfigurationError{Field: "bucket", Reason: "has to be defined"}
	}
	if cfg.RefreshAfter < 0 {
		return cfg, &ConfigurationError{Field: "refreshAfterSeconds", Reason: "must not be negative"}
	}
	if cfg.WriteThreshold < 0 {
		return cfg, &ConfigurationError{Field: "writeThreshold", Reason: "must not be negative"}
	}
	if cfg.WriteThreshold == 0 {
		cfg.WriteThreshold = DefaultWriteThreshold
	}
	return cfg, nil
}

// RefreshInterval returns RefreshAfter as a duration.
func (cfg Config) RefreshInterval() time.Duration {
	return time.Duration(cfg.RefreshAfter) * time.Second
}

// Describe returns the resolved configuration as log attributes. The
// credentials are reported by path only.
func (cfg Config) Describe() []slog.Attr {
	return []slog.Attr{
		slog.String("credentials", cfg.CredentialsPath),
		slog.String("bucket", cfg.Bucket),
		slog.String("prefix", cfg.Prefix),
		slog.Int("refreshAfterSeconds", cfg.RefreshAfter),
		slog.Int64("writeThreshold", cfg.WriteThreshold),
		slog.Bool("skipRefresh", cfg.SkipRefresh),
	}
}
