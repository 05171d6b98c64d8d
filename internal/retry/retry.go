// Package retry applies a bounded attempt policy with pluggable backoff.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Clock sleeps between attempts. Tests substitute a fake that records waits.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock waits on the wall clock.
type RealClock struct{}

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff returns the wait before attempt n+1, given that attempt n failed.
// Attempts are numbered from 1.
type Backoff func(attempt int) time.Duration

// Constant waits d between every pair of attempts.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Exponential waits initial, initial*multiplier, ... capped at max.
func Exponential(initial, max time.Duration, multiplier float64) Backoff {
	return func(attempt int) time.Duration {
		wait := time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt-1)))
		if wait > max || wait < 0 {
			wait = max
		}
		return wait
	}
}

// Policy bounds the total number of attempts made for one resource.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Clock       Clock
	// Log receives retry decisions; nil uses slog.Default.
	Log *slog.Logger
}

// DefaultPolicy is three attempts five seconds apart.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Backoff:     Constant(5 * time.Second),
	Clock:       RealClock{},
}

// AttemptFunc performs attempt number n (1-based).
type AttemptFunc func(ctx context.Context, attempt int) error

// Do runs fn until it succeeds, returns a permanent error, or the ceiling is
// reached. done is the number of attempts already spent on this resource in
// earlier runs. The returned count is the total attempts including done.
//
// When the ceiling is hit the last error is returned wrapped as permanent.
func (p Policy) Do(ctx context.Context, done int, fn AttemptFunc) (int, error) {
	clock := p.Clock
	if clock == nil {
		clock = RealClock{}
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}

	attempt := done
	var lastErr error
	for attempt < max {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		attempt++

		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if Classify(err) == ClassPermanent {
			return attempt, err
		}
		if attempt >= max {
			break
		}

		wait := time.Duration(0)
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		log.Debug("retrying", slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.Any("error", err))
		if err := clock.Sleep(ctx, wait); err != nil {
			return attempt, err
		}
	}
	if lastErr == nil {
		return attempt, Permanent(ErrExhausted)
	}
	return attempt, Exhausted(lastErr, attempt)
}
