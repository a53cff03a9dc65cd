package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
		{64, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExponentialDelay(100*time.Millisecond, time.Second, tt.attempt), "attempt %d", tt.attempt)
	}
	assert.Zero(t, ExponentialDelay(0, time.Second, 3))
}

func TestExponentialWaitStrategy(t *testing.T) {
	w := NewExponentialWaitStrategy(100*time.Millisecond, 400*time.Millisecond)

	assert.Equal(t, int64(100), w.WaitForMillis())
	assert.Equal(t, int64(200), w.WaitForMillis())
	assert.Equal(t, int64(400), w.WaitForMillis())
	assert.Equal(t, int64(400), w.WaitForMillis())
	assert.Equal(t, int64(100), w.RetryInMillis())

	w.Success()
	assert.Equal(t, int64(100), w.WaitForMillis())
}

func TestFixedWaitStrategy(t *testing.T) {
	w := FixedWaitStrategy{Interval: 250 * time.Millisecond}
	w.Success()
	assert.Equal(t, int64(250), w.WaitForMillis())
	assert.Equal(t, int64(250), w.RetryInMillis())
}
