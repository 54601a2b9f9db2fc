// Package ratelimit provides a sliding-window attempt limiter keyed by
// (subject, action) strings such as "login:jdoe" or "ip:203.0.113.10".
// Backends are swappable: counters may live in process memory or in Redis
// when correctness across instances matters.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter is the backing-store contract. Attempt prunes entries older than
// the window, checks the count against max, and records the attempt when
// allowed.
type Limiter interface {
	Attempt(ctx context.Context, key string, max int, window time.Duration) (Decision, error)
	// Reset discards the counter for a key, e.g. after a successful login.
	Reset(ctx context.Context, key string) error
}

// LoginKey builds the per-account limiter key.
func LoginKey(identifier string) string {
	return "login:" + identifier
}

// IPKey builds the per-address limiter key.
func IPKey(addr string) string {
	return "ip:" + addr
}
