package statemachine

import (
	"sync"
	"time"
)

// WaitStrategy decides how long a processing loop pauses between polls.
type WaitStrategy interface {
	// WaitForMillis is the pause after a round that found nothing to do.
	WaitForMillis() int64
	// Success resets any backoff after a round that made progress.
	Success()
	// RetryInMillis is the pause after a round that only produced failures.
	RetryInMillis() int64
}

// ExponentialDelay returns base * 2^(attempt-1) capped at max. attempt < 1 yields base.
func ExponentialDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := base * time.Duration(int64(1)<<shift)
	if max > 0 && (d > max || d <= 0) {
		return max
	}
	return d
}

// ExponentialWaitStrategy doubles the idle pause on every empty round.
type ExponentialWaitStrategy struct {
	mu     sync.Mutex
	base   time.Duration
	max    time.Duration
	misses int
}

func NewExponentialWaitStrategy(base, max time.Duration) *ExponentialWaitStrategy {
	return &ExponentialWaitStrategy{base: base, max: max}
}

func (w *ExponentialWaitStrategy) WaitForMillis() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.misses++
	return ExponentialDelay(w.base, w.max, w.misses).Milliseconds()
}

func (w *ExponentialWaitStrategy) Success() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.misses = 0
}

func (w *ExponentialWaitStrategy) RetryInMillis() int64 {
	return w.base.Milliseconds()
}

// FixedWaitStrategy always pauses for the same interval.
type FixedWaitStrategy struct {
	Interval time.Duration
}

func (w FixedWaitStrategy) WaitForMillis() int64 { return w.Interval.Milliseconds() }
func (w FixedWaitStrategy) Success()             {}
func (w FixedWaitStrategy) RetryInMillis() int64 { return w.Interval.Milliseconds() }
