package cache

import (
	"errors"
	"fmt"
)

// ErrNotExist is returned by a Bucket when the requested object does not
// exist. Service.Load turns it into a miss; it never reaches callers of Load.
var ErrNotExist = errors.New("cache: object does not exist")

// ConfigurationError reports a missing or invalid setting. It is always
// detected before any remote call is made.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid cache configuration: %s %s", e.Field, e.Reason)
}

// CredentialError reports a credential document that could not be located,
// read or parsed. Path is empty when the ambient default identity failed.
type CredentialError struct {
	Path string
	Err  error
}

func (e *CredentialError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("unable to resolve default credentials: %v", e.Err)
	}
	return fmt.Sprintf("unable to load credentials from %s: %v", e.Path, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// StorageError reports a remote store failure other than a missing object.
type StorageError struct {
	Op     string // store, load, refresh, open
	Bucket string
	Object string // empty for bucket level failures
	Err    error
}

func (e *StorageError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("%s: bucket %q: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %q in bucket %q: %v", e.Op, e.Object, e.Bucket, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is or wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
