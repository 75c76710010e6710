package retry

import (
	"context"
	"errors"
	"time"
)

// Policy is an explicit, reusable retry policy with exponential backoff.
// The same policy instance is shared across all network call sites instead
// of hand-rolling per-call loops.
type Policy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	Multiplier  float64       `json:"multiplier"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// DefaultPolicy matches the daemon-wide defaults: three attempts, half a
// second base delay, doubling, capped at ten seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Second,
	}
}

// Delay returns the backoff delay before retry number attempt (0-based, i.e.
// the delay after the first failure is Delay(0)).
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Stop wraps err so Do returns it without further attempts. For failures
// that more attempts cannot fix, like a rejected payload.
func Stop(err error) error {
	return &stopError{err: err}
}

type stopError struct {
	err error
}

func (s *stopError) Error() string { return s.err.Error() }
func (s *stopError) Unwrap() error { return s.err }

// Do runs op until it succeeds, the attempt budget is exhausted, or ctx is
// cancelled. The last operation error is returned on exhaustion; context
// errors are returned as-is so callers can distinguish cancellation.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		var stop *stopError
		if errors.As(lastErr, &stop) {
			return stop.err
		}

		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
