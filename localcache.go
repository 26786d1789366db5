package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fileFormatVersion prefixes every data file name so a future layout change
// never reads files written by an older one.
const fileFormatVersion = "v1-"

// localCache manages the local disk cache where the go command reads cached
// files. Each entry is a data file plus a ".meta" file; an entry only exists
// once its metadata has been written.
type localCache struct {
	cacheDir string // Absolute path to cache directory
	logger   *slog.Logger
}

// entryMetadata describes a cached output. It is stored next to local data
// files and, in the same encoding, as the remote action record.
type entryMetadata struct {
	OutputID []byte
	Size     int64
	PutTime  time.Time
}

// newLocalCache creates a new local cache instance rooted at cacheDir.
func newLocalCache(cacheDir string, logger *slog.Logger) (*localCache, error) {
	absCacheDir, err := filepath.Abs(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	// Precreate all 256 subdirectories (00-ff) to avoid syscalls during writes
	for i := 0; i < 256; i++ {
		subdir := filepath.Join(absCacheDir, fmt.Sprintf("%02x", i))
		if err := os.MkdirAll(subdir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create subdirectory %s: %w", subdir, err)
		}
	}

	return &localCache{
		cacheDir: absCacheDir,
		logger:   logger,
	}, nil
}

// encodeMetadata renders meta as "outputID:hex\nsize:num\ntime:unixnano\n".
func encodeMetadata(meta entryMetadata) []byte {
	return []byte(fmt.Sprintf("outputID:%s\nsize:%d\ntime:%d\n",
		hex.EncodeToString(meta.OutputID),
		meta.Size,
		meta.PutTime.UnixNano()))
}

// decodeMetadata parses the output of encodeMetadata.
func decodeMetadata(data []byte) (*entryMetadata, error) {
	var outputIDHex string
	var size, putTime int64

	for _, line := range strings.Split(string(data), "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		var err error
		switch name {
		case "outputID":
			outputIDHex = value
		case "size":
			_, err = fmt.Sscanf(value, "%d", &size)
		case "time":
			_, err = fmt.Sscanf(value, "%d", &putTime)
		}
		if err != nil {
			return nil, fmt.Errorf("metadata field %s: %w", name, err)
		}
	}

	if outputIDHex == "" {
		return nil, errors.New("metadata missing outputID field")
	}
	outputID, err := hex.DecodeString(outputIDHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode outputID: %w", err)
	}
	if size < 0 {
		return nil, fmt.Errorf("metadata has negative size %d", size)
	}

	return &entryMetadata{
		OutputID: outputID,
		Size:     size,
		PutTime:  time.Unix(0, putTime),
	}, nil
}

// writeMetadata atomically writes metadata for a cache entry.
func (lc *localCache) writeMetadata(actionID []byte, meta entryMetadata) error {
	metaPath := lc.metadataPath(actionID)

	tmpPath := metaPath + ".tmp"
	if err := os.WriteFile(tmpPath, encodeMetadata(meta), 0644); err != nil {
		return fmt.Errorf("failed to write temp metadata: %w", err)
	}
	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename metadata: %w", err)
	}
	return nil
}

// readMetadata reads metadata for a cache entry.
func (lc *localCache) readMetadata(actionID []byte) (*entryMetadata, error) {
	data, err := os.ReadFile(lc.metadataPath(actionID))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	return decodeMetadata(data)
}

// write atomically fills the data file for actionID. fill receives the
// temporary file; when it fails nothing is left behind. Returns the absolute
// path and the number of bytes written.
func (lc *localCache) write(actionID []byte, fill func(w io.Writer) error) (string, int64, error) {
	diskPath := lc.actionIDToPath(actionID)

	tmpFile, err := os.CreateTemp(filepath.Dir(diskPath), filepath.Base(diskPath)+".*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	cw := &countingWriter{w: tmpFile}
	err = fill(cw)
	closeErr := tmpFile.Close()
	if err != nil {
		return "", 0, err
	}
	if closeErr != nil {
		return "", 0, fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, diskPath); err != nil {
		return "", 0, fmt.Errorf("failed to rename cache file: %w", err)
	}
	return diskPath, cw.n, nil
}

// writeWithMetadata writes data and then its metadata. meta.Size is set to
// the number of bytes actually written.
func (lc *localCache) writeWithMetadata(actionID []byte, fill func(w io.Writer) error, meta entryMetadata) (string, error) {
	diskPath, n, err := lc.write(actionID, fill)
	if err != nil {
		return "", err
	}

	meta.Size = n
	if err := lc.writeMetadata(actionID, meta); err != nil {
		// Without metadata the data file is never served; report the
		// failure so the caller does not hand out diskPath.
		return "", err
	}
	return diskPath, nil
}

// check returns the metadata of a complete local entry, or nil when there is
// none. Corrupted metadata is logged and treated as absent.
func (lc *localCache) check(actionID []byte) *entryMetadata {
	meta, err := lc.readMetadata(actionID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			lc.logger.Warn("failed to read local cache metadata",
				"actionID", hex.EncodeToString(actionID),
				"error", err)
		}
		return nil
	}

	info, err := os.Stat(lc.actionIDToPath(actionID))
	if err != nil || info.Size() != meta.Size {
		lc.logger.Warn("local cache data file missing or truncated",
			"actionID", hex.EncodeToString(actionID),
			"error", err)
		return nil
	}
	return meta
}

// clear removes every entry, keeping the directory layout.
func (lc *localCache) clear() error {
	for i := 0; i < 256; i++ {
		subdir := filepath.Join(lc.cacheDir, fmt.Sprintf("%02x", i))
		entries, err := os.ReadDir(subdir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to list %s: %w", subdir, err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(subdir, e.Name())); err != nil {
				return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// actionIDToPath converts an actionID to a local cache file path.
// Files are organized into 256 subdirectories (00-ff) based on the first byte
// of the action ID, similar to Go's build cache structure.
func (lc *localCache) actionIDToPath(actionID []byte) string {
	hexActionID := hex.EncodeToString(actionID)
	subdir := "00"
	if len(hexActionID) >= 2 {
		subdir = hexActionID[:2]
	}
	return filepath.Join(lc.cacheDir, subdir, fileFormatVersion+hexActionID)
}

// metadataPath returns the path to the metadata file for an actionID.
func (lc *localCache) metadataPath(actionID []byte) string {
	return lc.actionIDToPath(actionID) + ".meta"
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
