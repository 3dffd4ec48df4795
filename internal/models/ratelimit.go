package models

import "time"

// RateLimitWindow is the fixed window counter kept per (identity, action).
type RateLimitWindow struct {
	Count       int           `json:"count"`
	WindowStart time.Time     `json:"window_start"`
	MaxAttempts int           `json:"max_attempts"`
	Duration    time.Duration `json:"duration"`
}

// Expired reports whether the window has elapsed at now.
func (w RateLimitWindow) Expired(now time.Time) bool {
	return now.Sub(w.WindowStart) >= w.Duration
}

// ResetTime is when the window stops counting.
func (w RateLimitWindow) ResetTime() time.Time {
	return w.WindowStart.Add(w.Duration)
}
