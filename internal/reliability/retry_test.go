package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedDelay(t *testing.T) {
	t.Run("delay is constant across attempts", func(t *testing.T) {
		policy := NewFixedDelay(100*time.Millisecond, 3)

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(5))
		assert.Equal(t, 3, policy.MaxRetries())
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("delays grow by the multiplier", func(t *testing.T) {
		policy := NewExponentialBackoff(10*time.Millisecond, time.Second, 2.0, 5)
		policy.Jitter = false

		assert.Equal(t, 10*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 20*time.Millisecond, policy.NextDelay(1))
		assert.Equal(t, 40*time.Millisecond, policy.NextDelay(2))
	})

	t.Run("delay is capped at the max interval", func(t *testing.T) {
		policy := NewExponentialBackoff(10*time.Millisecond, 50*time.Millisecond, 2.0, 10)
		policy.Jitter = false

		assert.Equal(t, 50*time.Millisecond, policy.NextDelay(8))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 50; i++ {
			delay := policy.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 85*time.Millisecond)
			assert.LessOrEqual(t, delay, 115*time.Millisecond)
		}
	})
}

func TestRetry(t *testing.T) {
	t.Run("returns nil once fn succeeds", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when retries are exhausted", func(t *testing.T) {
		calls := 0
		wantErr := errors.New("persistent")
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			calls++
			return wantErr
		})

		assert.ErrorIs(t, err, wantErr)
		assert.Equal(t, 3, calls) // initial attempt plus two retries
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error {
			return errors.New("never seen")
		})

		assert.ErrorIs(t, err, context.Canceled)
	})
}
