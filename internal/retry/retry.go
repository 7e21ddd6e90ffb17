// Package retry runs operations with capped exponential backoff and
// classifies failure text into advisory categories.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Options configures Do. Zero values take the package defaults.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry is called before every wait with the 1-indexed attempt that
	// just failed. It must not block.
	OnRetry func(attempt int, err error)

	// Sleep replaces the real wait in tests. It must return ctx.Err() when
	// ctx ends first.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	return o
}

// Delay is the wait after the attempt-th failure (1-indexed):
// min(base*2^(attempt-1), max).
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Do calls fn until it succeeds, returns a NoRetry error, or MaxAttempts
// is reached. The last attempt never waits. The last error is returned.
func Do(ctx context.Context, opt Options, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, opt, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, opt Options, fn func(ctx context.Context) (T, error)) (T, error) {
	opt = opt.withDefaults()
	var zero T
	var lastErr error
	for attempt := 1; attempt <= opt.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if IsNoRetry(err) || attempt == opt.MaxAttempts {
			break
		}
		if opt.OnRetry != nil {
			opt.OnRetry(attempt, err)
		}
		if serr := opt.Sleep(ctx, Delay(attempt, opt.BaseDelay, opt.MaxDelay)); serr != nil {
			return zero, errors.Join(lastErr, serr)
		}
	}
	return zero, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoRetry marks an error as permanent, e.g. a configuration error.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
