package writer

import (
	"math"
	"math/rand"
	"time"
)

// Retryer decides how long to wait before the next reconnection attempt.
type Retryer interface {
	// NextDelay returns the delay before retry number attempt (0-based)
	// and whether to keep retrying at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called after a successful flush so the next failure starts
	// from the initial delay again.
	Reset()
}

// ExponentialBackoff implements bounded exponential backoff with jitter.
// After MaxAttempts retries the writer stops retrying in-process and
// surfaces ErrSinkUnavailable; the sync engine decides what happens next.
type ExponentialBackoff struct {
	// Initial is the first retry delay.
	Initial time.Duration

	// Max caps the delay regardless of attempt count.
	Max time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// MaxAttempts bounds the retry budget. Zero means unbounded, which is
	// only appropriate when the engine enforces its own retry window.
	MaxAttempts int

	// JitterFactor spreads delays by up to this fraction in either
	// direction, so a flapping sink is not hammered in lockstep. Zero
	// disables jitter.
	JitterFactor float64
}

// DefaultBackoff returns the backoff used when the operator configures no
// bounds of their own.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial:      100 * time.Millisecond,
		Max:          10 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
		JitterFactor: 0.3,
	}
}

// NextDelay implements Retryer.
func (b *ExponentialBackoff) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return 0, false
	}

	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.JitterFactor > 0 {
		// math/rand suffices here, jitter is not security-sensitive.
		delay += delay * b.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(b.Initial)
		}
	}

	return time.Duration(delay), true
}

// Reset implements Retryer. Exponential backoff keeps no state between
// failure runs; the attempt counter lives with the caller.
func (b *ExponentialBackoff) Reset() {}

// FixedDelay retries on a constant interval. Used by tests and available for
// deployments that prefer predictable retry timing.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NextDelay implements Retryer.
func (f *FixedDelay) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if f.MaxAttempts > 0 && attempt >= f.MaxAttempts {
		return 0, false
	}
	return f.Delay, true
}

// Reset implements Retryer.
func (f *FixedDelay) Reset() {}
