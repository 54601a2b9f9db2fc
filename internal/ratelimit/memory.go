package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// Time between janitor sweeps over idle windows
	cleanupInterval = 5 * time.Minute
	// A window with no attempts newer than this is discarded
	windowTTL = 30 * time.Minute
)

type window struct {
	attempts []time.Time
}

// MemoryLimiter keeps sliding windows in process memory. Counters are
// per-process; a horizontally scaled deployment that needs shared counters
// should use RedisLimiter instead.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	stopCh  chan struct{}
}

// NewMemoryLimiter creates an in-memory limiter with a background janitor.
func NewMemoryLimiter(ctx context.Context) *MemoryLimiter {
	l := &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go l.cleanupLoop(ctx)

	return l
}

// Attempt implements Limiter.
func (l *MemoryLimiter) Attempt(_ context.Context, key string, max int, windowDur time.Duration) (Decision, error) {
	now := l.now()
	cutoff := now.Add(-windowDur)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}

	w.prune(cutoff)

	if len(w.attempts) >= max {
		// Window resets when the oldest surviving attempt falls out of it.
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   w.attempts[0].Add(windowDur),
		}, nil
	}

	w.attempts = append(w.attempts, now)
	return Decision{
		Allowed:   true,
		Remaining: max - len(w.attempts),
		ResetAt:   w.attempts[0].Add(windowDur),
	}, nil
}

// Reset implements Limiter.
func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
	return nil
}

// Stop stops the janitor goroutine.
func (l *MemoryLimiter) Stop() {
	close(l.stopCh)
}

func (w *window) prune(cutoff time.Time) {
	keep := 0
	for _, at := range w.attempts {
		if at.After(cutoff) {
			break
		}
		keep++
	}
	if keep > 0 {
		w.attempts = append(w.attempts[:0], w.attempts[keep:]...)
	}
}

// cleanupLoop periodically discards windows with no recent attempts so the
// map cannot grow without bound.
func (l *MemoryLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *MemoryLimiter) cleanup() {
	cutoff := l.now().Add(-windowTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		w.prune(cutoff)
		if len(w.attempts) == 0 {
			delete(l.windows, key)
		}
	}
}
