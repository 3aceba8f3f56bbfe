package writer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("without jitter delays double up to the cap", func(t *testing.T) {
		b := &ExponentialBackoff{
			Initial:     100 * time.Millisecond,
			Max:         time.Second,
			Multiplier:  2,
			MaxAttempts: 10,
		}

		delay, retry := b.NextDelay(0, nil)
		assert.True(t, retry)
		assert.Equal(t, 100*time.Millisecond, delay)

		delay, retry = b.NextDelay(1, nil)
		assert.True(t, retry)
		assert.Equal(t, 200*time.Millisecond, delay)

		delay, retry = b.NextDelay(2, nil)
		assert.True(t, retry)
		assert.Equal(t, 400*time.Millisecond, delay)

		// Attempt 6 would be 6.4s; clamped to Max.
		delay, retry = b.NextDelay(6, nil)
		assert.True(t, retry)
		assert.Equal(t, time.Second, delay)
	})

	t.Run("jitter stays within the configured fraction", func(t *testing.T) {
		b := &ExponentialBackoff{
			Initial:      time.Second,
			Max:          time.Minute,
			Multiplier:   2,
			JitterFactor: 0.3,
		}
		for i := 0; i < 50; i++ {
			delay, retry := b.NextDelay(0, nil)
			assert.True(t, retry)
			assert.GreaterOrEqual(t, delay, 700*time.Millisecond)
			assert.LessOrEqual(t, delay, 1300*time.Millisecond)
		}
	})

	t.Run("retries stop after MaxAttempts", func(t *testing.T) {
		b := &ExponentialBackoff{Initial: time.Millisecond, Max: time.Second, Multiplier: 2, MaxAttempts: 3}

		_, retry := b.NextDelay(2, nil)
		assert.True(t, retry)
		_, retry = b.NextDelay(3, nil)
		assert.False(t, retry)
	})

	t.Run("zero MaxAttempts never gives up", func(t *testing.T) {
		b := &ExponentialBackoff{Initial: time.Millisecond, Max: time.Second, Multiplier: 2}
		_, retry := b.NextDelay(1000, nil)
		assert.True(t, retry)
	})

	t.Run("defaults are sane", func(t *testing.T) {
		b := DefaultBackoff()
		delay, retry := b.NextDelay(0, nil)
		assert.True(t, retry)
		assert.Greater(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, 130*time.Millisecond)
	})
}

func TestFixedDelay(t *testing.T) {
	f := &FixedDelay{Delay: 50 * time.Millisecond, MaxAttempts: 2}

	delay, retry := f.NextDelay(0, nil)
	assert.True(t, retry)
	assert.Equal(t, 50*time.Millisecond, delay)

	delay, retry = f.NextDelay(1, nil)
	assert.True(t, retry)
	assert.Equal(t, 50*time.Millisecond, delay)

	_, retry = f.NextDelay(2, nil)
	assert.False(t, retry)
}
