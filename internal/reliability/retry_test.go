package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedDelay(t *testing.T) {
	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		fd := NewFixedDelay(5*time.Second, 2)

		for i := 0; i < 2; i++ {
			shouldRetry, delay := fd.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Equal(t, 5*time.Second, delay)
		}

		shouldRetry, delay := fd.ShouldRetry(2, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("negative retries clamp to zero", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, -4)
		assert.Equal(t, 0, fd.MaxRetries())
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, 10)
		shouldRetry, _ := fd.ShouldRetry(0, Permanent(errors.New("stop")))
		assert.False(t, shouldRetry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds without retry", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func(int) error {
			calls++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("makes retries+1 attempts then gives up", func(t *testing.T) {
		var attempts []int
		start := time.Now()
		err := Retry(context.Background(), NewFixedDelay(10*time.Millisecond, 2), func(attempt int) error {
			attempts = append(attempts, attempt)
			return errors.New("nope")
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Equal(t, []int{0, 1, 2}, attempts)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		stop := errors.New("stopped")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func(int) error {
			calls++
			return Permanent(stop)
		})

		assert.ErrorIs(t, err, ErrNonRetryable)
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops waiting when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Hour, 5), func(int) error {
			calls++
			cancel()
			return errors.New("nope")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
