package execute_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matgreaves/watt/internal/execute"
	"github.com/matryer/is"
)

// trackPeak raises peak to cur if cur is higher.
func trackPeak(peak *atomic.Int32, cur int32) {
	for {
		p := peak.Load()
		if cur <= p || peak.CompareAndSwap(p, cur) {
			return
		}
	}
}

func TestInParallel_PreservesOrder(t *testing.T) {
	is := is.New(t)

	// Later inputs finish first.
	delays := []time.Duration{40 * time.Millisecond, 30 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond, 0}
	results, err := execute.InParallel(context.Background(), delays, execute.Options{Concurrency: 5},
		func(ctx context.Context, d time.Duration) (time.Duration, error) {
			time.Sleep(d)
			return d, nil
		})
	is.NoErr(err)
	is.Equal(len(results), len(delays))
	for i, r := range results {
		is.Equal(r.Outcome, execute.Fulfilled)
		is.Equal(r.Value, delays[i])
	}
}

func TestInParallel_RespectsConcurrency(t *testing.T) {
	for _, limit := range []int{1, 2, 3, 7} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			var inFlight, peak atomic.Int32
			args := make([]int, 20)
			for i := range args {
				args[i] = i
			}

			_, err := execute.InParallel(context.Background(), args, execute.Options{Concurrency: limit},
				func(ctx context.Context, i int) (int, error) {
					trackPeak(&peak, inFlight.Add(1))
					time.Sleep(time.Duration(i%3) * time.Millisecond)
					inFlight.Add(-1)
					return i, nil
				})
			if err != nil {
				t.Fatal(err)
			}
			if got := peak.Load(); got > int32(limit) {
				t.Errorf("peak in-flight = %d, want <= %d", got, limit)
			}
		})
	}
}

func TestInParallel_SlidingWindow(t *testing.T) {
	// With concurrency 2, a slow first task must not hold back the rest:
	// the fast second slot keeps cycling through the remaining inputs.
	release := make(chan struct{})
	var started atomic.Int32

	args := []int{0, 1, 2, 3, 4}
	done := make(chan struct{})
	go func() {
		defer close(done)
		execute.InParallel(context.Background(), args, execute.Options{Concurrency: 2},
			func(ctx context.Context, i int) (int, error) {
				started.Add(1)
				if i == 0 {
					<-release
				}
				return i, nil
			})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for started.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := started.Load(); got != 5 {
		t.Fatalf("started %d tasks while first was blocked, want 5", got)
	}
	close(release)
	<-done
}

func TestInParallel_DefaultConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	args := make([]int, 12)

	_, err := execute.InParallel(context.Background(), args, execute.Options{},
		func(ctx context.Context, _ int) (struct{}, error) {
			trackPeak(&peak, inFlight.Add(1))
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return struct{}{}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if got := peak.Load(); got > execute.DefaultConcurrency {
		t.Errorf("peak = %d, want <= %d", got, execute.DefaultConcurrency)
	}
}

func TestInParallel_Empty(t *testing.T) {
	is := is.New(t)
	called := false
	results, err := execute.InParallel(context.Background(), []string{}, execute.Options{},
		func(ctx context.Context, s string) (string, error) {
			called = true
			return s, nil
		})
	is.NoErr(err)
	is.True(results != nil)
	is.Equal(len(results), 0)
	is.True(!called)
}

func TestInParallel_FailFastReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	var launched atomic.Int32
	block := make(chan struct{})
	defer close(block)

	args := []int{0, 1, 2, 3, 4, 5}
	start := time.Now()
	results, err := execute.InParallel(context.Background(), args, execute.Options{Concurrency: 2},
		func(ctx context.Context, i int) (int, error) {
			launched.Add(1)
			if i == 1 {
				return 0, boom
			}
			<-block // never finishes while the batch is being awaited
			return i, nil
		})

	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}
	if time.Since(start) > time.Second {
		t.Error("InParallel waited for in-flight tasks")
	}
	// Only the first window was launched: 0 blocks, 1 fails, nothing else starts.
	if got := launched.Load(); got != 2 {
		t.Errorf("launched %d tasks, want 2", got)
	}
}

func TestInParallel_FailFastAggregateMarksCanceled(t *testing.T) {
	is := is.New(t)
	boom := errors.New("boom")
	block := make(chan struct{})
	defer close(block)

	args := []int{0, 1, 2, 3, 4, 5}
	proceed := make(chan struct{})
	_, err := execute.InParallel(context.Background(), args, execute.Options{Concurrency: 3, Mode: execute.FailFastAggregate},
		func(ctx context.Context, i int) (int, error) {
			switch i {
			case 0:
				close(proceed)
				return 100, nil
			case 1:
				<-block
				return 0, nil
			case 2, 3:
				<-proceed
				if i == 3 {
					return 0, boom
				}
				<-block
				return 0, nil
			}
			<-block
			return i, nil
		})

	var agg *execute.AggregateError[int]
	is.True(errors.As(err, &agg))
	is.True(errors.Is(err, boom))
	is.Equal(len(agg.Results), len(args))

	is.Equal(agg.Results[0].Outcome, execute.Fulfilled)
	is.Equal(agg.Results[0].Value, 100)
	is.Equal(agg.Results[1].Outcome, execute.Canceled) // in flight
	is.Equal(agg.Results[2].Outcome, execute.Canceled) // in flight
	is.Equal(agg.Results[3].Outcome, execute.Failed)
	is.True(errors.Is(agg.Results[3].Err, boom))
	is.Equal(agg.Results[4].Outcome, execute.Canceled) // never started
	is.Equal(agg.Results[5].Outcome, execute.Canceled)

	_, unwrapErr := agg.Results[5].Unwrap()
	is.True(errors.Is(unwrapErr, execute.ErrCanceled))
}

func TestInParallel_SettleRunsEverything(t *testing.T) {
	is := is.New(t)
	var mu sync.Mutex
	ran := map[int]bool{}

	args := []int{0, 1, 2, 3, 4}
	results, err := execute.InParallel(context.Background(), args, execute.Options{Concurrency: 2, Mode: execute.Settle},
		func(ctx context.Context, i int) (int, error) {
			mu.Lock()
			ran[i] = true
			mu.Unlock()
			if i%2 == 1 {
				return 0, fmt.Errorf("odd %d", i)
			}
			return i * 10, nil
		})
	is.NoErr(err)
	is.Equal(len(ran), len(args))
	for i, r := range results {
		if i%2 == 1 {
			is.Equal(r.Outcome, execute.Failed)
			is.Equal(r.Err.Error(), fmt.Sprintf("odd %d", i))
		} else {
			is.Equal(r.Outcome, execute.Fulfilled)
			is.Equal(r.Value, i*10)
		}
	}
}

func TestInParallel_ConcurrencyAboveLength(t *testing.T) {
	is := is.New(t)
	var peak, inFlight atomic.Int32
	gate := make(chan struct{})
	args := []int{1, 2, 3}

	go func() {
		// All three should be in flight at once.
		deadline := time.Now().Add(2 * time.Second)
		for inFlight.Load() < 3 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		close(gate)
	}()

	results, err := execute.InParallel(context.Background(), args, execute.Options{Concurrency: 100},
		func(ctx context.Context, i int) (int, error) {
			trackPeak(&peak, inFlight.Add(1))
			<-gate
			return i, nil
		})
	is.NoErr(err)
	is.Equal(len(results), 3)
	is.Equal(peak.Load(), int32(3))
}

func TestInParallel_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	defer close(block)

	args := []int{0, 1, 2}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := execute.InParallel(ctx, args, execute.Options{Concurrency: 1},
		func(ctx context.Context, i int) (int, error) {
			<-block
			return i, nil
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
