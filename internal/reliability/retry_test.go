package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedDelay(t *testing.T) {
	t.Run("creates with correct values", func(t *testing.T) {
		fd := NewFixedDelay(2*time.Second, 3)

		assert.Equal(t, 2*time.Second, fd.Delay)
		assert.Equal(t, 3, fd.MaxRetries())
	})

	t.Run("NextDelay always returns same delay", func(t *testing.T) {
		fd := NewFixedDelay(750*time.Millisecond, 10)

		for i := 0; i < 10; i++ {
			assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
		}
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		fd := NewFixedDelay(100*time.Millisecond, 2)

		ok, delay := fd.ShouldRetry(1, errors.New("test"))
		assert.True(t, ok)
		assert.Equal(t, 100*time.Millisecond, delay)

		ok, _ = fd.ShouldRetry(2, errors.New("test"))
		assert.False(t, ok)
	})

	t.Run("Unbounded never gives up", func(t *testing.T) {
		fd := NewFixedDelay(time.Millisecond, Unbounded)

		ok, _ := fd.ShouldRetry(1_000_000, errors.New("test"))
		assert.True(t, ok)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(100*time.Millisecond, 3), func() error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries on failure", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(10*time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns last error after max retries", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(10*time.Millisecond, 2), func() error {
			attempts++
			return fmt.Errorf("persistent error %d", attempts)
		})

		assert.EqualError(t, err, "persistent error 3")
		assert.Equal(t, 3, attempts) // Initial + 2 retries
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts atomic.Int32

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, NewFixedDelay(time.Second, 5), func() error {
			attempts.Add(1)
			return errors.New("error")
		})

		assert.Equal(t, context.Canceled, err)
		assert.LessOrEqual(t, attempts.Load(), int32(2))
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		fatal := errors.New("fatal error")
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			attempts++
			if attempts == 2 {
				return Permanent(fatal)
			}
			return errors.New("retryable error")
		})

		assert.Same(t, fatal, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("notifies before each wait", func(t *testing.T) {
		var seen []int

		err := RetryNotify(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			return errors.New("down")
		}, func(attempt int, err error, delay time.Duration) {
			seen = append(seen, attempt)
			assert.Equal(t, time.Millisecond, delay)
		})

		require.Error(t, err)
		assert.Equal(t, []int{1, 2}, seen)
	})
}

func TestIsRetryableError(t *testing.T) {
	t.Run("nil error is not retryable", func(t *testing.T) {
		assert.False(t, isRetryableError(nil))
	})

	t.Run("RetryableError respects Retryable field", func(t *testing.T) {
		assert.True(t, isRetryableError(RetryableError{Err: errors.New("test"), Retryable: true}))
		assert.False(t, isRetryableError(RetryableError{Err: errors.New("test"), Retryable: false}))
	})

	t.Run("wrapped permanent errors are found", func(t *testing.T) {
		err := fmt.Errorf("rebind: %w", Permanent(errors.New("closed")))
		assert.False(t, isRetryableError(err))
	})

	t.Run("unknown errors are retryable by default", func(t *testing.T) {
		assert.True(t, isRetryableError(errors.New("unknown error")))
	})
}
