// Package retry runs an operation until it succeeds, fails permanently,
// runs out of attempts or its context ends.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"grimm.is/v6tunnel/internal/clock"
)

// Policy configures retry behavior.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Clock provides the waits between attempts. Defaults to clock.Real.
	Clock clock.Clock
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, next time.Duration)
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(delay time.Duration, attempts int) Policy {
	return Policy{
		MaxAttempts:   attempts,
		InitialDelay:  delay,
		MaxDelay:      delay,
		BackoffFactor: 1,
	}
}

// Once is a single attempt with no waits.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

// Do calls fn with a 1-based attempt number until it returns nil. It
// returns the last error when attempts run out, the permanent error if fn
// wraps one with Permanent, or ctx.Err() if the context ends while waiting.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}

		delay := p.delay(attempt - 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := clk.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func (p Policy) delay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
