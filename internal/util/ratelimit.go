package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter spaces calls so that no two begin less than minGap apart. It
// is not a token bucket: there is no burst allowance and no queue beyond the
// callers blocked on the guard.
type RateLimiter struct {
	minGap time.Duration
	last   time.Time
	mu     sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a RateLimiter enforcing minGap between calls.
func NewRateLimiter(minGap time.Duration) *RateLimiter {
	return &RateLimiter{
		minGap: minGap,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// MinGap returns the configured spacing.
func (rl *RateLimiter) MinGap() time.Duration {
	return rl.minGap
}

// Wait blocks until at least minGap has elapsed since the previous call
// returned from Wait, then records the current time. The guard is held for
// the whole wait so concurrent callers are strictly serialised.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.last.IsZero() {
		if remaining := rl.minGap - rl.now().Sub(rl.last); remaining > 0 {
			if err := rl.sleep(ctx, remaining); err != nil {
				return err
			}
		}
	}
	rl.last = rl.now()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
