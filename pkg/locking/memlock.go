package locking

import "sync"

// MemLock is a Group implementation that uses in-memory mutexes. It only
// excludes callers within one process; use FlockGroup when several
// processes share a cache directory.
//
// Locks are reference counted and dropped when the last holder releases
// them, so the map does not grow with every key ever seen.
type MemLock struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*refLock),
	}
}

func (s *MemLock) DoWithLock(key string, fn func() error) error {
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &refLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.Lock()
	defer func() {
		lock.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}()
	return fn()
}

// size returns the number of live locks.
func (s *MemLock) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
