// Package watchdog bounds blocking calls whose own timeouts cannot be
// trusted. When the deadline passes the caller gets control back at once and
// the abort hook tears down whatever the call was blocked on.
package watchdog

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("watchdog: deadline exceeded")

// Do runs fn under a deadline of timeout. fn receives a context carrying the
// same deadline. If fn is still running at the deadline, abort (when non-nil)
// is invoked and Do returns ErrTimeout without waiting for fn. If the parent
// context ends first, abort is invoked and the parent's error is returned.
func Do[T any](ctx context.Context, timeout time.Duration, abort func(), fn func(ctx context.Context) (T, error)) (T, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(runCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-runCtx.Done():
	}

	// fn may have finished in the same instant.
	select {
	case r := <-done:
		return r.v, r.err
	default:
	}

	if abort != nil {
		abort()
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, ErrTimeout
}

// Run is Do for calls without a result.
func Run(ctx context.Context, timeout time.Duration, abort func(), fn func(ctx context.Context) error) error {
	_, err := Do(ctx, timeout, abort, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
