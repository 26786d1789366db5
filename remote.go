package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/idlestate/gcsbuildcache/cache"
	"github.com/idlestate/gcsbuildcache/pkg/locking"
)

// errRemoteMiss aborts a local write when the remote output is gone.
var errRemoteMiss = errors.New("remote output missing")

// remoteBackend serves the go command from the local disk cache and falls
// back to the remote cache service on a local miss.
//
// Remote layout, one object per key:
//
//	<actionID hex>-a   action record: encoded entryMetadata
//	<outputID hex>-d   output bytes
type remoteBackend struct {
	local  *localCache
	remote *cache.Service
	locks  locking.Group
	push   bool
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func newRemoteBackend(local *localCache, remote *cache.Service, locks locking.Group, push bool, logger *slog.Logger) *remoteBackend {
	return &remoteBackend{
		local:  local,
		remote: remote,
		locks:  locks,
		push:   push,
		logger: logger,
	}
}

func actionKey(actionID []byte) string { return hex.EncodeToString(actionID) + "-a" }
func outputKey(outputID []byte) string { return hex.EncodeToString(outputID) + "-d" }

// Put writes the entry to the local cache and, unless read-only, pushes the
// output followed by the action record. The record goes last so that a
// concurrent reader never finds a record whose output is not uploaded yet.
func (b *remoteBackend) Put(ctx context.Context, actionID, outputID []byte, body io.Reader, bodySize int64) (string, error) {
	var diskPath string
	err := b.locks.DoWithLock(hex.EncodeToString(actionID), func() error {
		meta := entryMetadata{OutputID: outputID, Size: bodySize, PutTime: time.Now()}

		fill := func(w io.Writer) error {
			n, err := io.Copy(w, body)
			if err != nil {
				return fmt.Errorf("failed to write body: %w", err)
			}
			if n != bodySize {
				return fmt.Errorf("body size mismatch: got %d bytes, expected %d", n, bodySize)
			}
			return nil
		}

		var err error
		diskPath, err = b.local.writeWithMetadata(actionID, fill, meta)
		if err != nil {
			return err
		}
		if !b.push {
			return nil
		}
		return b.upload(ctx, actionID, meta, diskPath)
	})
	if err != nil {
		return "", err
	}
	return diskPath, nil
}

func (b *remoteBackend) upload(ctx context.Context, actionID []byte, meta entryMetadata, diskPath string) error {
	f, err := os.Open(diskPath)
	if err != nil {
		return fmt.Errorf("failed to open cached file: %w", err)
	}
	defer f.Close()

	if err := b.remote.Store(ctx, outputKey(meta.OutputID), f); err != nil {
		return err
	}
	return b.remote.Store(ctx, actionKey(actionID), bytes.NewReader(encodeMetadata(meta)))
}

// Get returns the local entry if present, else downloads it.
func (b *remoteBackend) Get(ctx context.Context, actionID []byte) (getResult, error) {
	var res getResult
	err := b.locks.DoWithLock(hex.EncodeToString(actionID), func() error {
		var err error
		res, err = b.get(ctx, actionID)
		return err
	})
	return res, err
}

func (b *remoteBackend) get(ctx context.Context, actionID []byte) (getResult, error) {
	if meta := b.local.check(actionID); meta != nil {
		return hitResult(b.local.actionIDToPath(actionID), meta), nil
	}

	var record bytes.Buffer
	hit, err := b.remote.Load(ctx, actionKey(actionID), &record)
	if err != nil {
		return getResult{}, err
	}
	if !hit {
		return getResult{Miss: true}, nil
	}

	meta, err := decodeMetadata(record.Bytes())
	if err != nil {
		b.logger.Warn("ignoring corrupt remote action record",
			"actionID", hex.EncodeToString(actionID),
			"error", err)
		return getResult{Miss: true}, nil
	}

	fill := func(w io.Writer) error {
		hit, err := b.remote.Load(ctx, outputKey(meta.OutputID), w)
		if err != nil {
			return err
		}
		if !hit {
			return errRemoteMiss
		}
		return nil
	}
	diskPath, n, err := b.local.write(actionID, fill)
	if errors.Is(err, errRemoteMiss) {
		// The record outlived its output, e.g. an expired object.
		b.logger.Info("remote output missing for action record",
			"actionID", hex.EncodeToString(actionID),
			"outputID", hex.EncodeToString(meta.OutputID))
		return getResult{Miss: true}, nil
	}
	if err != nil {
		return getResult{}, err
	}
	if n != meta.Size {
		b.logger.Warn("remote output size mismatch",
			"actionID", hex.EncodeToString(actionID),
			"size", n,
			"expected", meta.Size)
		os.Remove(diskPath)
		return getResult{Miss: true}, nil
	}

	if err := b.local.writeMetadata(actionID, *meta); err != nil {
		return getResult{}, err
	}
	return hitResult(diskPath, meta), nil
}

func hitResult(diskPath string, meta *entryMetadata) getResult {
	return getResult{
		OutputID: meta.OutputID,
		DiskPath: diskPath,
		Size:     meta.Size,
		PutTime:  meta.PutTime,
	}
}

// Close closes the remote service. It is safe to call more than once.
func (b *remoteBackend) Close() error {
	b.closeOnce.Do(func() { b.closeErr = b.remote.Close() })
	return b.closeErr
}
