package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy determines how long to wait before a given retry attempt.
// Attempts are numbered from zero.
type RetryPolicy interface {
	// NextDelay calculates the delay before the given retry attempt.
	NextDelay(attempt int) time.Duration
	// MaxRetries returns the maximum number of retries.
	MaxRetries() int
}

// FixedDelay retries with a constant delay.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// NextDelay implements RetryPolicy.
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// MaxRetries implements RetryPolicy.
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// LinearBackoff retries with a constant interval and optional jitter.
type LinearBackoff struct {
	Interval    time.Duration
	MaxAttempts int
	Jitter      bool
}

// NewLinearBackoff creates a linear backoff policy with jitter enabled.
func NewLinearBackoff(interval time.Duration, maxRetries int) *LinearBackoff {
	return &LinearBackoff{
		Interval:    interval,
		MaxAttempts: maxRetries,
		Jitter:      true,
	}
}

// NextDelay implements RetryPolicy.
func (l *LinearBackoff) NextDelay(attempt int) time.Duration {
	delay := l.Interval
	if l.Jitter {
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.3)
		delay = delay + jitter - (delay * 15 / 100)
	}
	return delay
}

// MaxRetries implements RetryPolicy.
func (l *LinearBackoff) MaxRetries() int {
	return l.MaxAttempts
}

// ExponentialBackoff retries with exponentially growing delays, capped at
// MaxInterval, with optional jitter.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter
// enabled.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// NextDelay implements RetryPolicy.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}
	return time.Duration(delay)
}

// MaxRetries implements RetryPolicy.
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// Retry executes fn, retrying per the policy until it succeeds, the policy
// gives up, or the context is cancelled.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= policy.MaxRetries() {
			return lastErr
		}

		select {
		case <-time.After(policy.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
