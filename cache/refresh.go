package cache

import (
	"context"
	"time"
)

// refreshPolicy decides whether a loaded object must be re-written so that
// an external retention rule does not delete it while it is still in use.
type refreshPolicy struct {
	after time.Duration // 0 disables refresh
	now   func() time.Time
}

// enabled reports whether object attributes need to be inspected at all.
func (p refreshPolicy) enabled() bool {
	return p.after > 0
}

// due reports whether an object created at created is older than the
// refresh interval.
func (p refreshPolicy) due(created time.Time) bool {
	if !p.enabled() {
		return false
	}
	return p.now().Sub(created) > p.after
}

// refresh re-writes object when it is due. Failures are logged and counted,
// never returned.
func (s *Service) refresh(ctx context.Context, object string, attrs ObjectAttrs) {
	if !s.policy.due(attrs.Created) {
		return
	}

	start := time.Now()
	err := s.bucket.Touch(ctx, object)
	s.latency.Record(opRefresh, time.Since(start))
	if err != nil {
		s.counters.Inc(counterRefreshErrors)
		s.logger.Warn("failed to refresh cache entry",
			"object", object,
			"bucket", s.bucket.Name(),
			"age", s.policy.now().Sub(attrs.Created).Round(time.Second),
			"error", err)
		return
	}
	s.counters.Inc(counterRefreshes)
	s.logger.Debug("refreshed cache entry", "object", object)
}
