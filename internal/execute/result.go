// Package execute provides concurrency helpers used to sequence service
// lifecycles: racing an operation against a timer, and running a batch of
// operations with a bounded number outstanding.
package execute

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCanceled marks a task that never ran, or stopped being awaited,
	// because its batch terminated early.
	ErrCanceled = errors.New("execute: canceled")

	// ErrTimeout marks an operation that lost the race against its timer.
	ErrTimeout = errors.New("execute: timed out")
)

// Outcome reports how a task settled.
type Outcome int

const (
	Fulfilled Outcome = iota
	Failed
	Canceled
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Fulfilled:
		return "fulfilled"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	case TimedOut:
		return "timed out"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the settled state of a single task.
type Result[T any] struct {
	Value   T
	Err     error
	Outcome Outcome
}

// Unwrap returns the value and error of the result. Canceled and timed out
// results report ErrCanceled and ErrTimeout respectively. A timed out result
// still carries its fallback value, if one was supplied.
func (r Result[T]) Unwrap() (T, error) {
	switch r.Outcome {
	case Failed:
		return r.Value, r.Err
	case Canceled:
		if r.Err != nil {
			return r.Value, r.Err
		}
		return r.Value, ErrCanceled
	case TimedOut:
		return r.Value, ErrTimeout
	}
	return r.Value, nil
}

// AggregateError is returned by InParallel in FailFastAggregate mode. It holds
// one result per input, in input order.
type AggregateError[T any] struct {
	Results []Result[T]
}

func (e *AggregateError[T]) Error() string {
	var msgs []string
	canceled := 0
	for _, r := range e.Results {
		switch r.Outcome {
		case Failed:
			msgs = append(msgs, r.Err.Error())
		case Canceled:
			canceled++
		}
	}
	return fmt.Sprintf("%d of %d tasks failed (%d canceled): %s",
		len(msgs), len(e.Results), canceled, strings.Join(msgs, "; "))
}

// Unwrap exposes the task failures to errors.Is and errors.As.
func (e *AggregateError[T]) Unwrap() []error {
	var errs []error
	for _, r := range e.Results {
		if r.Outcome == Failed && r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}
