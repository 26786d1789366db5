package metrics

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Counters is a set of named monotonic counters. It is safe for concurrent
// use and a nil *Counters ignores increments and reports nothing.
type Counters struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]int64)}
}

// Inc adds one to the named counter.
func (c *Counters) Inc(name string) {
	c.Add(name, 1)
}

// Add adds delta to the named counter.
func (c *Counters) Add(name string, delta int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.values[name] += delta
	c.mu.Unlock()
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.values)
}

// CounterSnapshot is a point in time copy of a Counters set. Missing names
// read as zero.
type CounterSnapshot map[string]int64

// String formats the counters as "name=value" pairs sorted by name.
func (s CounterSnapshot) String() string {
	parts := make([]string, 0, len(s))
	for _, name := range slices.Sorted(maps.Keys(s)) {
		parts = append(parts, fmt.Sprintf("%s=%d", name, s[name]))
	}
	return strings.Join(parts, " ")
}
