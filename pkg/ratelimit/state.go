// Package ratelimit shares upstream throttling state between every sender in
// a process (and, with Redis, across processes) and paces outgoing attempts.
//
// When the service answers 429, the "throttled until" deadline is recorded
// here so that other senders hold off instead of walking into the same wall.
package ratelimit

import (
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyThrottledUntil = "graph:throttle:until"
	RedisKeyThrottleCount  = "graph:throttle:count"
	RedisKeyLastUpdate     = "graph:throttle:last_update"
)

// MaxThrottleWindow caps a single recorded throttle window. Hints beyond it
// are treated as bogus.
const MaxThrottleWindow = 5 * time.Minute

// ThrottleState is the shared view of upstream throttling.
type ThrottleState struct {
	// ThrottledUntil is the earliest time the service accepts traffic again.
	ThrottledUntil time.Time `json:"throttled_until"`

	// Count is the number of throttle responses observed since the key was
	// last reset.
	Count int64 `json:"count"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// IsThrottled reports whether the throttle window is still open.
func (s *ThrottleState) IsThrottled() bool {
	return time.Now().Before(s.ThrottledUntil)
}

// TimeUntilReset returns the time left in the throttle window, or 0.
func (s *ThrottleState) TimeUntilReset() time.Duration {
	d := time.Until(s.ThrottledUntil)
	if d < 0 {
		return 0
	}
	return d
}

// Extend moves the window end to now+retryAfter unless it already ends later.
func (s *ThrottleState) Extend(now time.Time, retryAfter time.Duration) {
	if retryAfter > MaxThrottleWindow {
		retryAfter = MaxThrottleWindow
	}
	if until := now.Add(retryAfter); until.After(s.ThrottledUntil) {
		s.ThrottledUntil = until
	}
	s.Count++
	s.LastUpdate = now
}
