// Package metrics keeps in-process operation statistics for the cache:
// latency distributions per operation and plain event counters.
package metrics

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultRelativeAccuracy is the quantile accuracy used by cache services.
const DefaultRelativeAccuracy = 0.01

// LatencyTracker keeps one DDSketch of durations, in milliseconds, per
// operation name. It is safe for concurrent use. A nil tracker records
// nothing and reports no statistics.
type LatencyTracker struct {
	accuracy float64

	mu  sync.Mutex
	ops map[string]*ddsketch.DDSketch
}

// NewLatencyTracker returns a tracker whose quantiles are within
// relativeAccuracy of the true value (0.01 is 1%).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		accuracy: relativeAccuracy,
		ops:      make(map[string]*ddsketch.DDSketch),
	}
}

// Record adds one sample for operation.
func (lt *LatencyTracker) Record(operation string, d time.Duration) {
	if lt == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000

	lt.mu.Lock()
	defer lt.mu.Unlock()
	sketch, ok := lt.ops[operation]
	if !ok {
		sketch = lt.newSketch()
		lt.ops[operation] = sketch
	}
	sketch.Add(ms)
}

// Since records the time elapsed since start. It is meant to be deferred:
//
//	defer lt.Since("load", time.Now())
func (lt *LatencyTracker) Since(operation string, start time.Time) {
	lt.Record(operation, time.Since(start))
}

func (lt *LatencyTracker) newSketch() *ddsketch.DDSketch {
	sketch, err := ddsketch.LogUnboundedDenseDDSketch(lt.accuracy)
	if err != nil {
		// Only an out of range accuracy fails; fall back to the default one.
		sketch, _ = ddsketch.NewDefaultDDSketch(DefaultRelativeAccuracy)
	}
	return sketch
}

// Stats summarises the latency distribution of one operation in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P95       float64
	P99       float64
	Max       float64
}

// GetStats returns the statistics of one operation.
func (lt *LatencyTracker) GetStats(operation string) (Stats, error) {
	if lt == nil {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.ops[operation]
	if !ok {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	return summarize(operation, sketch), nil
}

// GetAllStats returns the statistics of every operation seen so far, ordered
// by operation name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	if lt == nil {
		return nil
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	all := make([]Stats, 0, len(lt.ops))
	for operation, sketch := range lt.ops {
		all = append(all, summarize(operation, sketch))
	}
	slices.SortFunc(all, func(a, b Stats) int { return strings.Compare(a.Operation, b.Operation) })
	return all
}

func summarize(operation string, sketch *ddsketch.DDSketch) Stats {
	s := Stats{Operation: operation, Count: int64(sketch.GetCount())}
	if s.Count == 0 {
		return s
	}
	s.Min, _ = sketch.GetMinValue()
	s.Max, _ = sketch.GetMaxValue()
	for q, dst := range map[float64]*float64{0.50: &s.P50, 0.90: &s.P90, 0.95: &s.P95, 0.99: &s.P99} {
		*dst, _ = sketch.GetValueAtQuantile(q)
	}
	return s
}

// String formats s as one indented line.
func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p95=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P95, s.P99, s.Max)
}
