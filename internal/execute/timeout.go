package execute

import (
	"context"
	"time"
)

// Go starts fn on its own goroutine and returns a channel that receives its
// result exactly once. The channel is buffered so the goroutine never blocks
// on delivery, even when nobody is waiting any more.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		v, err := fn(ctx)
		if err != nil {
			ch <- Result[T]{Value: v, Err: err, Outcome: Failed}
			return
		}
		ch <- Result[T]{Value: v, Outcome: Fulfilled}
	}()
	return ch
}

// WithTimeout waits for pending to settle or for timeout to elapse, whichever
// comes first. The pending operation is never canceled: losing the race only
// stops waiting for it. A canceled ctx also stops waiting and reports
// Canceled with ctx.Err().
func WithTimeout[T any](ctx context.Context, pending <-chan Result[T], timeout time.Duration) Result[T] {
	var zero T
	return race(ctx, pending, timeout, zero)
}

// WithTimeoutValue is WithTimeout with a fallback value returned in place of
// the zero value when the timer wins.
func WithTimeoutValue[T any](ctx context.Context, pending <-chan Result[T], timeout time.Duration, fallback T) Result[T] {
	return race(ctx, pending, timeout, fallback)
}

func race[T any](ctx context.Context, pending <-chan Result[T], timeout time.Duration, fallback T) Result[T] {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-pending:
		return r
	case <-timer.C:
		return Result[T]{Value: fallback, Err: ErrTimeout, Outcome: TimedOut}
	case <-ctx.Done():
		return Result[T]{Err: ctx.Err(), Outcome: Canceled}
	}
}
