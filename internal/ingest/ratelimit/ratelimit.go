// Package ratelimit bounds outbound request rate against the upstream API.
// It is a throttle, not a circuit breaker: callers at the ceiling wait for
// the oldest grant to fall out of the rolling window rather than fail.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbtatracker-data/internal/clock"
)

// Limiter grants at most limit permits within any rolling window. It is
// shared by all ingestors polling the same upstream quota.
type Limiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu     sync.Mutex
	grants []time.Time
	onWait func(time.Duration)
}

func New(limit int, window time.Duration, clk clock.Clock) (*Limiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate window must be positive, got %v", window)
	}
	return &Limiter{
		limit:  limit,
		window: window,
		clock:  clk,
	}, nil
}

// OnWait registers a callback observing how long each Acquire spent blocked
// at the ceiling. Callers that never block are not reported. Must be set
// before the limiter is shared.
func (l *Limiter) OnWait(fn func(time.Duration)) {
	l.onWait = fn
}

// Acquire blocks until a permit is available or ctx is done. A permit is
// available when fewer than limit grants fall within the trailing window.
func (l *Limiter) Acquire(ctx context.Context) error {
	var waited time.Duration
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.pruneLocked(now)
		if len(l.grants) < l.limit {
			l.grants = append(l.grants, now)
			l.mu.Unlock()
			if waited > 0 && l.onWait != nil {
				l.onWait(waited)
			}
			return nil
		}
		// Oldest grant leaves the window first; wait for it.
		wait := l.grants[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
			waited += wait
		}
	}
}

// Available reports how many permits could be granted right now.
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.clock.Now())
	return l.limit - len(l.grants)
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}
