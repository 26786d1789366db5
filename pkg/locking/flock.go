package locking

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FlockGroup is a Group implementation backed by advisory file locks, one
// lock file per key inside dir. It excludes callers across processes that
// share dir, which is the case when several go commands run against the
// same local cache. Keys must be valid file names.
//
// Lock files are left in place; they are empty and reused.
type FlockGroup struct {
	dir string
	mem *MemLock
}

// NewFlockGroup creates dir if needed and returns a group locking inside it.
func NewFlockGroup(dir string) (*FlockGroup, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FlockGroup{dir: dir, mem: NewMemLock()}, nil
}

func (g *FlockGroup) DoWithLock(key string, fn func() error) error {
	// flock locks are held per open file description; goroutines of this
	// process are also serialised in memory so each key is opened once.
	return g.mem.DoWithLock(key, func() error {
		fl := flock.New(filepath.Join(g.dir, key+".lock"))
		if err := fl.Lock(); err != nil {
			return fmt.Errorf("failed to lock %s: %w", key, err)
		}
		defer fl.Unlock()
		return fn()
	})
}
