// Package backoff computes retry delays shared by the connection manager and
// the outbox delivery engine.
package backoff

import "time"

// Delay returns the wait before attempt n (1-indexed): min(2^(n-1)*base, cap).
// It is a pure function of its inputs; callers derive the attempt number from
// persisted retry counters rather than caching a next-retry time.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Due reports whether enough time has passed since lastAttempt for the next
// try. A zero lastAttempt means no attempt was ever made, which is always due.
func Due(retryCount int, lastAttempt time.Time, now time.Time, base, max time.Duration) bool {
	if lastAttempt.IsZero() {
		return true
	}
	return now.Sub(lastAttempt) >= Delay(retryCount+1, base, max)
}
