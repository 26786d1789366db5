// Package locking provides mutual exclusion over sets of keys.
package locking

// Group runs functions with mutual exclusion over a key. Functions for
// different keys never wait for each other.
type Group interface {
	// DoWithLock runs fn while holding the lock for key.
	DoWithLock(key string, fn func() error) error
}
