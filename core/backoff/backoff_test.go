package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/zonequeue/core/backoff"
)

func TestPolicy_ExponentialWithCap(t *testing.T) {
	t.Parallel()

	p := backoff.New(time.Second, 2, 30*time.Second, 0)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 30*time.Second, p.Delay(100))
}

func TestPolicy_JitterBounds(t *testing.T) {
	t.Parallel()

	p := backoff.New(time.Second, 2, time.Minute, 0.25)
	for attempt := 1; attempt <= 5; attempt++ {
		base := p.Base(attempt)
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		for range 50 {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, lo)
			assert.LessOrEqual(t, d, hi)
		}
	}
}

func TestPolicy_EdgeCases(t *testing.T) {
	t.Parallel()

	t.Run("attempt below one", func(t *testing.T) {
		t.Parallel()
		p := backoff.New(time.Second, 2, time.Minute, 0)
		assert.Equal(t, time.Second, p.Delay(0))
	})

	t.Run("multiplier below one", func(t *testing.T) {
		t.Parallel()
		p := backoff.New(time.Second, 0.5, time.Minute, 0)
		assert.Equal(t, time.Second, p.Delay(5))
	})

	t.Run("no cap", func(t *testing.T) {
		t.Parallel()
		p := backoff.New(time.Millisecond, 10, 0, 0)
		assert.Equal(t, time.Second, p.Delay(4))
	})

	t.Run("constant", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 5*time.Second, backoff.Constant(5*time.Second).Delay(7))
	})
}
