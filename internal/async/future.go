// Package async provides single-resolution futures for blocking broker
// round-trips.
package async

import (
	"context"
	"sync"

	"github.com/glimte/smfcore/contracts"
)

// Future is the pending result of one call. It resolves exactly once;
// later resolutions are ignored.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns an unresolved future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Go runs fn on its own goroutine and returns a future for its result.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		v, err := fn(ctx)
		f.Resolve(v, err)
	}()
	return f
}

// Resolve completes the future. It reports whether this call won.
func (f *Future[T]) Resolve(v T, err error) bool {
	won := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves, ctx ends or closed is closed.
// A closed channel yields contracts.ErrClosed. A result that is already
// available always wins.
func (f *Future[T]) Wait(ctx context.Context, closed <-chan struct{}) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	var zero T
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-closed:
		return zero, contracts.ErrClosed
	}
}

// Await runs fn on a goroutine and waits for it like Wait.
func Await[T any](ctx context.Context, closed <-chan struct{}, fn func(context.Context) (T, error)) (T, error) {
	return Go(ctx, fn).Wait(ctx, closed)
}
