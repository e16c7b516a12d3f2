// Package backoff computes reconnect delays for the device managers.
//
// Schedule: the ceiling for attempt n (1-based) is Initial * 2^(n-1), capped
// at Max. With jitter the returned delay is drawn uniformly from [0, ceiling).
package backoff

import (
	"math/rand/v2"
	"time"
)

type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// NoJitter returns the ceiling itself. Used by tests and by callers
	// that want a predictable schedule.
	NoJitter bool

	attempt int
}

func New(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Ceiling returns the upper bound for the given 1-based attempt.
func (b *Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Next advances the attempt counter and returns the delay to wait.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	ceil := b.Ceiling(b.attempt)
	if b.NoJitter || ceil <= 0 {
		return ceil
	}
	return time.Duration(rand.Int64N(int64(ceil)))
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
