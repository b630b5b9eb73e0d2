// Package backoff holds the retry delay policy for failed deliveries.
package backoff

import "time"

// DirectDelayCeiling is the longest delay the durable queue's native
// deferral can carry. Delays above it must go through the one-shot trigger
// scheduler instead. The boundary is inclusive: a delay equal to the
// ceiling still rides the queue.
const DirectDelayCeiling = 15 * time.Minute

// Policy maps an attempt number to the delay before the next attempt.
// The schedule plateaus at its last entry.
type Policy struct {
	schedule []time.Duration
}

// Default returns the production schedule: 1m, 5m, 15m, 1h, 6h.
func Default() Policy {
	return New([]time.Duration{
		time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		time.Hour,
		6 * time.Hour,
	})
}

// New builds a policy from an explicit schedule. An empty schedule falls
// back to the default.
func New(schedule []time.Duration) Policy {
	if len(schedule) == 0 {
		return Default()
	}
	s := make([]time.Duration, len(schedule))
	copy(s, schedule)
	return Policy{schedule: s}
}

// Delay returns how long to wait after the given 1-based attempt before
// running the next one. Attempts past the schedule length get the last
// entry.
func (p Policy) Delay(attemptCount int32) time.Duration {
	idx := int(attemptCount) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.schedule) {
		idx = len(p.schedule) - 1
	}
	return p.schedule[idx]
}

// NextRetryAt returns the absolute UTC time of the next attempt.
func (p Policy) NextRetryAt(now time.Time, attemptCount int32) time.Time {
	return now.UTC().Add(p.Delay(attemptCount))
}

// UseTrigger reports whether a delay is too long for the queue's native
// deferral and must be registered as a one-shot trigger.
func UseTrigger(delay time.Duration) bool {
	return delay > DirectDelayCeiling
}
