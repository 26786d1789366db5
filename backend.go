package main

import (
	"context"
	"io"
	"time"
)

// getResult is the outcome of a CacheBackend.Get.
type getResult struct {
	Miss     bool
	OutputID []byte
	DiskPath string
	Size     int64
	PutTime  time.Time
}

// CacheBackend is what the cache program serves requests from.
// Implementations must be safe for concurrent use: the program handles
// requests in parallel.
type CacheBackend interface {
	// Put stores body under actionID. outputID is stored with it and
	// bodySize is the size in bytes. Returns the absolute path of the
	// stored file on disk.
	Put(ctx context.Context, actionID, outputID []byte, body io.Reader, bodySize int64) (diskPath string, err error)

	// Get looks up actionID.
	Get(ctx context.Context, actionID []byte) (getResult, error)

	// Close performs any cleanup operations needed by the backend.
	Close() error
}
