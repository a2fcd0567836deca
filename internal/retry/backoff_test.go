package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBaseDelayDoublesPerAttempt(t *testing.T) {
	b := Backoff{Base: time.Second}

	assert.Equal(t, time.Second, b.BaseDelay(1))
	assert.Equal(t, 2*time.Second, b.BaseDelay(2))
	assert.Equal(t, 4*time.Second, b.BaseDelay(3))
	assert.Equal(t, 8*time.Second, b.BaseDelay(4))
	assert.Equal(t, time.Second, b.BaseDelay(0))

	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := b.BaseDelay(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		prev = d
	}
}

func TestBaseDelayRespectsMax(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	assert.Equal(t, 16*time.Second, b.BaseDelay(5))
	assert.Equal(t, 30*time.Second, b.BaseDelay(6))
	assert.Equal(t, 30*time.Second, b.BaseDelay(200))
}

func TestDelayStaysWithinJitterBand(t *testing.T) {
	b := Backoff{Base: time.Second, Jitter: 0.2}
	for n := 1; n <= 4; n++ {
		base := b.BaseDelay(n)
		for i := 0; i < 200; i++ {
			d := b.Delay(n)
			assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8))
			assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2))
		}
	}
}

func TestDelayUsesInjectedRandom(t *testing.T) {
	low := Backoff{Base: time.Second, Jitter: 0.2, Rand: func() float64 { return 0 }}
	mid := Backoff{Base: time.Second, Jitter: 0.2, Rand: func() float64 { return 0.5 }}

	assert.Equal(t, 800*time.Millisecond, low.Delay(1))
	assert.Equal(t, 2*time.Second, mid.Delay(2))
}
