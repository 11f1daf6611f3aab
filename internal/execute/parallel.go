package execute

import "context"

// DefaultConcurrency is used when Options.Concurrency is zero or negative.
const DefaultConcurrency = 5

// Mode selects how InParallel reacts to a failing task.
type Mode int

const (
	// FailFast returns the first observed task error as-is. Tasks not yet
	// started are never launched; tasks in flight are no longer awaited.
	FailFast Mode = iota

	// FailFastAggregate aborts like FailFast but returns an *AggregateError
	// holding one result per input. Everything still in flight or never
	// started is Canceled.
	FailFastAggregate

	// Settle runs every task to completion and never returns a task error;
	// failures are reported in their result slot.
	Settle
)

// Options configures InParallel.
type Options struct {
	Concurrency int
	Mode        Mode
}

type completion[T any] struct {
	index int
	value T
	err   error
}

// InParallel calls fn once per entry of args with at most opts.Concurrency
// calls outstanding. Scheduling is a sliding window: as soon as one call
// returns, the next pending input starts. The returned slice always has
// len(args) entries in input order; slots that never completed are Canceled.
//
// Cancellation is cooperative. Aborting the batch (on failure or when ctx is
// canceled) stops launching new calls but never interrupts those already
// running; their results are simply discarded.
func InParallel[A, T any](ctx context.Context, args []A, opts Options, fn func(context.Context, A) (T, error)) ([]Result[T], error) {
	n := len(args)
	results := make([]Result[T], n)
	if n == 0 {
		return results, nil
	}
	for i := range results {
		results[i].Outcome = Canceled
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	if limit > n {
		limit = n
	}

	// Buffered to n so abandoned calls can always deliver and exit.
	done := make(chan completion[T], n)
	next, running := 0, 0

	launch := func() {
		i := next
		next++
		running++
		go func() {
			v, err := fn(ctx, args[i])
			done <- completion[T]{index: i, value: v, err: err}
		}()
	}

	for running < limit && next < n {
		launch()
	}

	for running > 0 {
		select {
		case c := <-done:
			running--
			if c.err != nil {
				results[c.index] = Result[T]{Value: c.value, Err: c.err, Outcome: Failed}
				switch opts.Mode {
				case FailFast:
					return nil, c.err
				case FailFastAggregate:
					return results, &AggregateError[T]{Results: results}
				}
			} else {
				results[c.index] = Result[T]{Value: c.value, Outcome: Fulfilled}
			}
			if next < n && ctx.Err() == nil {
				launch()
			}

		case <-ctx.Done():
			switch opts.Mode {
			case FailFast:
				return nil, ctx.Err()
			case FailFastAggregate:
				return results, &AggregateError[T]{Results: results}
			}
			// Settle: stop launching but let in-flight calls finish.
			next = n
			for running > 0 {
				c := <-done
				running--
				if c.err != nil {
					results[c.index] = Result[T]{Value: c.value, Err: c.err, Outcome: Failed}
				} else {
					results[c.index] = Result[T]{Value: c.value, Outcome: Fulfilled}
				}
			}
			return results, ctx.Err()
		}
	}

	// ctx was canceled while the last calls were finishing.
	if next < n {
		switch opts.Mode {
		case FailFast:
			return nil, ctx.Err()
		case FailFastAggregate:
			return results, &AggregateError[T]{Results: results}
		}
		return results, ctx.Err()
	}

	return results, nil
}
