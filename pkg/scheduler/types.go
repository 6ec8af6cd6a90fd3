package scheduler

import (
	"context"
)

// Work is a unit of work executed by a pool worker.
type Work[T any] func(ctx context.Context) (T, error)

type Result[T any] struct {
	Value T
	Err   error
}

// Future is the handle returned by Pool.Submit. The result is delivered
// exactly once on C.
type Future[T any] struct {
	c      chan Result[T]
	cancel context.CancelFunc
}

func newFuture[T any](c chan Result[T], cancel context.CancelFunc) *Future[T] {
	return &Future[T]{c: c, cancel: cancel}
}

func (f *Future[T]) C() <-chan Result[T] {
	return f.c
}

// Wait blocks until the work completes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case r := <-f.c:
		return r.Value, r.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Stop cancels the context the work runs under. The future still yields a
// result, typically context.Canceled.
func (f *Future[T]) Stop() {
	f.cancel()
}
