package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCeiling(t *testing.T) {
	b := New(time.Second, 30*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Ceiling(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNext_WithinBounds(t *testing.T) {
	b := New(100*time.Millisecond, 2*time.Second)
	for i := 1; i <= 200; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, b.Ceiling(i))
		assert.LessOrEqual(t, d, b.Max)
	}
	assert.Equal(t, 200, b.Attempt())
}

func TestNext_NoJitterAndReset(t *testing.T) {
	b := New(time.Second, 5*time.Second)
	b.NoJitter = true

	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Next())

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestNew_FixesBadBounds(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, time.Second, b.Initial)
	assert.Equal(t, time.Second, b.Max)
}
