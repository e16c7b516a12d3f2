package watchdog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDo_ReturnsResult(t *testing.T) {
	v, err := Do(context.Background(), time.Second, nil, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDo_PassesError(t *testing.T) {
	boom := errors.New("boom")
	err := Run(context.Background(), time.Second, nil, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRun_AbortsHungCall(t *testing.T) {
	var aborted atomic.Bool
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := Run(context.Background(), 50*time.Millisecond, func() { aborted.Store(true) }, func(ctx context.Context) error {
		// Ignores ctx, like a capture primitive that hangs on a dead socket.
		<-release
		return nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, aborted.Load())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRun_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var aborted atomic.Bool

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, time.Hour, func() { aborted.Store(true) }, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, aborted.Load())
}
