// Package stream gates side effects driven by a stream of output chunks.
package stream

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle allows at most one action per window. The first call passes;
// later calls pass only once window has elapsed since the last pass.
// Dropped calls are not replayed: callers always do a final write after
// the stream ends.
type Throttle struct {
	window time.Duration
	now    func() time.Time

	mu  sync.Mutex
	lim *rate.Limiter
}

func NewThrottle(window time.Duration) *Throttle {
	return &Throttle{window: window, now: time.Now, lim: newLimiter(window)}
}

// Burst 1 with one token per window: a denied call does not consume, so
// the gate reopens exactly one window after the last pass.
func newLimiter(window time.Duration) *rate.Limiter {
	if window <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(window), 1)
}

// WithClock replaces time.Now; used by tests.
func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	if now != nil {
		t.now = now
	}
	return t
}

// Allow reports whether the caller may act now and, if so, starts a new
// window.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	lim := t.lim
	t.mu.Unlock()
	return lim.AllowN(t.now(), 1)
}

// Reset forgets the last pass so the next Allow succeeds.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.lim = newLimiter(t.window)
	t.mu.Unlock()
}
