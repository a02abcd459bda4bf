package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffGrowth(t *testing.T) {
	eb := &ExponentialBackoff{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0, // deterministic for the test
	}

	assert.Equal(t, 100*time.Millisecond, eb.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, eb.NextDelay(1))
	assert.Equal(t, 400*time.Millisecond, eb.NextDelay(2))
	assert.Equal(t, 800*time.Millisecond, eb.NextDelay(3))
}

func TestExponentialBackoffCapped(t *testing.T) {
	eb := &ExponentialBackoff{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
		Jitter:     0,
	}

	assert.Equal(t, 1*time.Second, eb.NextDelay(10))
	assert.Equal(t, 1*time.Second, eb.NextDelay(50))
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	eb := DefaultExponentialBackoff()

	for attempt := 0; attempt < 6; attempt++ {
		for i := 0; i < 100; i++ {
			d := eb.NextDelay(attempt)
			assert.Greater(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, eb.MaxDelay+time.Duration(float64(eb.MaxDelay)*eb.Jitter))
		}
	}
}

func TestExponentialBackoffNegativeAttempt(t *testing.T) {
	eb := DefaultExponentialBackoff()
	assert.Equal(t, eb.BaseDelay, eb.NextDelay(-1))
}

func TestFixedBackoff(t *testing.T) {
	fb := &FixedBackoff{Delay: 250 * time.Millisecond}

	assert.Equal(t, 250*time.Millisecond, fb.NextDelay(0))
	assert.Equal(t, 250*time.Millisecond, fb.NextDelay(9))
}
