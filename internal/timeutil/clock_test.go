package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	start := c.Now()
	c.Sleep(time.Millisecond)
	assert.GreaterOrEqual(t, c.Since(start), time.Millisecond)
}

func TestMockClock(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewMockClock(base)

	assert.Equal(t, base, c.Now())

	c.Advance(2 * time.Second)
	assert.Equal(t, 2*time.Second, c.Since(base))

	c.Sleep(50 * time.Millisecond)
	c.Sleep(100 * time.Millisecond)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, c.Sleeps())
	assert.Equal(t, base.Add(2150*time.Millisecond), c.Now())

	c.Set(base)
	assert.Equal(t, time.Duration(0), c.Since(base))
}
