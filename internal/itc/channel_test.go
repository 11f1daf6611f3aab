package itc_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matgreaves/watt/internal/itc"
	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// connect returns two listening channels over one port pair. Both are closed
// when the test ends.
func connect(t *testing.T, main, worker itc.Options) (*itc.Channel, *itc.Channel) {
	t.Helper()
	a, b := itc.NewPortPair()
	if main.Name == "" {
		main.Name = "main"
	}
	if worker.Name == "" {
		worker.Name = "worker"
	}
	main.Port, worker.Port = a, b

	mc, err := itc.New(main)
	if err != nil {
		t.Fatalf("new main channel: %v", err)
	}
	wc, err := itc.New(worker)
	if err != nil {
		t.Fatalf("new worker channel: %v", err)
	}
	for _, c := range []*itc.Channel{mc, wc} {
		if err := c.Listen(); err != nil {
			t.Fatalf("listen %s: %v", c.Name(), err)
		}
	}
	t.Cleanup(func() {
		mc.Close()
		wc.Close()
	})
	return mc, wc
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// unhandledRecorder collects errors passed to OnUnhandledError.
type unhandledRecorder struct {
	mu   sync.Mutex
	errs []error
	ch   chan error
}

func newUnhandledRecorder() *unhandledRecorder {
	return &unhandledRecorder{ch: make(chan error, 16)}
}

func (r *unhandledRecorder) record(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.ch <- err
}

func (r *unhandledRecorder) next(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for unhandled error")
		return nil
	}
}

func TestSend_RoundTrip(t *testing.T) {
	is := is.New(t)
	main, _ := connect(t, itc.Options{}, itc.Options{
		Handlers: map[string]itc.Handler{
			"echo": func(_ context.Context, data json.RawMessage) (any, error) {
				var in struct{ Message string }
				if err := json.Unmarshal(data, &in); err != nil {
					return nil, err
				}
				return map[string]string{"echo": in.Message}, nil
			},
		},
	})

	got, err := itc.Call[map[string]string](testContext(t), main, "echo", map[string]string{"Message": "hello"})
	is.NoErr(err)
	is.Equal(got["echo"], "hello")
}

func TestNew_RequiresNameAndPort(t *testing.T) {
	is := is.New(t)
	a, _ := itc.NewPortPair()

	_, err := itc.New(itc.Options{Port: a})
	is.True(errors.Is(err, itc.ErrMissingName))

	_, err = itc.New(itc.Options{Name: "orphan"})
	is.True(errors.Is(err, itc.ErrMissingPort))
}

func TestListen_Twice(t *testing.T) {
	is := is.New(t)
	a, _ := itc.NewPortPair()
	c, err := itc.New(itc.Options{Name: "once", Port: a})
	is.NoErr(err)
	defer c.Close()

	is.NoErr(c.Listen())
	is.True(errors.Is(c.Listen(), itc.ErrAlreadyListening))
}

func TestSend_BeforeListen(t *testing.T) {
	is := is.New(t)
	a, _ := itc.NewPortPair()
	c, err := itc.New(itc.Options{Name: "early", Port: a})
	is.NoErr(err)
	defer c.Close()

	_, err = c.Send(testContext(t), "anything", nil)
	is.True(errors.Is(err, itc.ErrSendBeforeListen))
	is.True(errors.Is(c.Notify("anything", nil), itc.ErrSendBeforeListen))
}

func TestSend_AfterPeerClosed(t *testing.T) {
	main, worker := connect(t, itc.Options{}, itc.Options{})
	worker.Close()

	for i := range 20 {
		_, err := main.Send(testContext(t), "ping", i)
		if !errors.Is(err, itc.ErrMessagePortClosed) {
			t.Fatalf("send %d: err = %v, want ErrMessagePortClosed", i, err)
		}
	}
}

func TestSend_AfterLocalClose(t *testing.T) {
	is := is.New(t)
	main, _ := connect(t, itc.Options{}, itc.Options{})
	is.NoErr(main.Close())
	is.NoErr(main.Close()) // idempotent

	_, err := main.Send(testContext(t), "ping", nil)
	is.True(errors.Is(err, itc.ErrMessagePortClosed))
	is.True(main.Closed())
}

func TestClose_RejectsPending(t *testing.T) {
	is := is.New(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	main, _ := connect(t, itc.Options{}, itc.Options{
		Handlers: map[string]itc.Handler{
			"block": func(context.Context, json.RawMessage) (any, error) {
				close(entered)
				<-release
				return nil, nil
			},
		},
	})

	errc := make(chan error, 1)
	go func() {
		_, err := main.Send(context.Background(), "block", nil)
		errc <- err
	}()
	<-entered
	main.Close()

	select {
	case err := <-errc:
		is.True(errors.Is(err, itc.ErrMessagePortClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not rejected on close")
	}
}

func TestClose_WhileReplying(t *testing.T) {
	is := is.New(t)
	var worker *itc.Channel
	main, worker := connect(t, itc.Options{}, itc.Options{
		Handlers: map[string]itc.Handler{
			"shutdown": func(context.Context, json.RawMessage) (any, error) {
				worker.Close()
				return "bye", nil
			},
		},
	})

	got, err := itc.Call[string](testContext(t), main, "shutdown", nil)
	is.NoErr(err)
	is.Equal(got, "bye")

	// The port is released once the reply is out, so the caller sees the
	// close on its next send.
	is.NoErr(worker.Wait())
	is.NoErr(main.Wait())
	_, err = main.Send(testContext(t), "shutdown", nil)
	is.True(errors.Is(err, itc.ErrMessagePortClosed))
}

func TestHandlerFailed_WrapsOriginal(t *testing.T) {
	is := is.New(t)
	boom := errors.New("disk on fire")
	main, _ := connect(t, itc.Options{}, itc.Options{
		Handlers: map[string]itc.Handler{
			"fail": func(context.Context, json.RawMessage) (any, error) {
				return nil, fmt.Errorf("compacting: %w", boom)
			},
			"panic": func(context.Context, json.RawMessage) (any, error) {
				panic("unreachable state")
			},
		},
	})

	_, err := main.Send(testContext(t), "fail", nil)
	is.True(errors.Is(err, itc.ErrHandlerFailed))
	var remote *itc.RemoteError
	is.True(errors.As(err, &remote))
	is.True(remote.Unwrap() != nil)
	is.Equal(remote.Unwrap().Error(), "compacting: disk on fire")

	_, err = main.Send(testContext(t), "panic", nil)
	is.True(errors.Is(err, itc.ErrHandlerFailed))
}

func TestMissingHandler(t *testing.T) {
	t.Run("reported", func(t *testing.T) {
		is := is.New(t)
		rec := newUnhandledRecorder()
		main, _ := connect(t, itc.Options{}, itc.Options{OnUnhandledError: rec.record})

		_, err := main.Send(testContext(t), "nobody", nil)
		is.True(errors.Is(err, itc.ErrHandlerNotFound))
		is.True(errors.Is(rec.next(t), itc.ErrHandlerNotFound))
	})

	t.Run("silent", func(t *testing.T) {
		is := is.New(t)
		rec := newUnhandledRecorder()
		main, _ := connect(t, itc.Options{}, itc.Options{
			SilentMissingHandler: true,
			OnUnhandledError:     rec.record,
		})

		data, err := main.Send(testContext(t), "nobody", nil)
		is.NoErr(err)
		is.True(len(data) == 0 || string(data) == "null")
		rec.mu.Lock()
		defer rec.mu.Unlock()
		is.Equal(len(rec.errs), 0)
	})
}

func TestHandle_RegisteredAfterListen(t *testing.T) {
	is := is.New(t)
	main, worker := connect(t, itc.Options{}, itc.Options{})
	is.True(worker.GetHandler("late") == nil)

	worker.Handle("late", func(context.Context, json.RawMessage) (any, error) { return 42, nil })
	is.True(worker.GetHandler("late") != nil)

	n, err := itc.Call[int](testContext(t), main, "late", nil)
	is.NoErr(err)
	is.Equal(n, 42)
}

func TestNotify(t *testing.T) {
	is := is.New(t)
	type note struct {
		name string
		data string
	}
	got := make(chan note, 1)
	main, _ := connect(t, itc.Options{}, itc.Options{
		Handlers: map[string]itc.Handler{
			"log": func(context.Context, json.RawMessage) (any, error) {
				t.Error("notification routed to a request handler")
				return nil, nil
			},
		},
		OnNotification: func(name string, data json.RawMessage) {
			got <- note{name, string(data)}
		},
	})

	is.NoErr(main.Notify("log", "line one"))
	select {
	case n := <-got:
		is.Equal(n.name, "log")
		is.Equal(n.data, `"line one"`)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestSend_Concurrent(t *testing.T) {
	main, _ := connect(t, itc.Options{}, itc.Options{
		Handlers: map[string]itc.Handler{
			"square": func(_ context.Context, data json.RawMessage) (any, error) {
				var n int
				if err := json.Unmarshal(data, &n); err != nil {
					return nil, err
				}
				// Reply out of order.
				time.Sleep(time.Duration(n%5) * time.Millisecond)
				return n * n, nil
			},
		},
	})

	ctx := testContext(t)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := itc.Call[int](ctx, main, "square", i)
			if err != nil {
				t.Errorf("square(%d): %v", i, err)
				return
			}
			if got != i*i {
				t.Errorf("square(%d) = %d", i, got)
			}
		}()
	}
	wg.Wait()
}

func TestSend_ContextCanceled(t *testing.T) {
	is := is.New(t)
	release := make(chan struct{})
	defer close(release)
	main, _ := connect(t, itc.Options{}, itc.Options{
		Handlers: map[string]itc.Handler{
			"slow": func(context.Context, json.RawMessage) (any, error) {
				<-release
				return nil, nil
			},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := main.Send(ctx, "slow", nil)
	is.True(errors.Is(err, context.DeadlineExceeded))
}

func TestVersion(t *testing.T) {
	t.Run("mismatch", func(t *testing.T) {
		is := is.New(t)
		rec := newUnhandledRecorder()
		main, _ := connect(t,
			itc.Options{Version: "2.0.0"},
			itc.Options{OnUnhandledError: rec.record, Handlers: map[string]itc.Handler{
				"ping": func(context.Context, json.RawMessage) (any, error) { return "pong", nil },
			}},
		)

		_, err := main.Send(testContext(t), "ping", nil)
		is.True(errors.Is(err, itc.ErrInvalidRequestVersion))
		is.True(errors.Is(rec.next(t), itc.ErrInvalidRequestVersion))
	})

	t.Run("accepted range", func(t *testing.T) {
		is := is.New(t)
		main, _ := connect(t,
			itc.Options{Version: "1.4.2", Accept: "^1.0.0"},
			itc.Options{Accept: "^1.0.0", Handlers: map[string]itc.Handler{
				"ping": func(context.Context, json.RawMessage) (any, error) { return "pong", nil },
			}},
		)

		got, err := itc.Call[string](testContext(t), main, "ping", nil)
		is.NoErr(err)
		is.Equal(got, "pong")
	})
}

func TestMetrics(t *testing.T) {
	is := is.New(t)
	reg := prometheus.NewRegistry()
	metrics := itc.NewMetrics(reg)
	main, _ := connect(t,
		itc.Options{Metrics: metrics},
		itc.Options{Metrics: metrics, Handlers: map[string]itc.Handler{
			"ping": func(context.Context, json.RawMessage) (any, error) { return "pong", nil },
		}},
	)

	for range 3 {
		_, err := main.Send(testContext(t), "ping", nil)
		is.NoErr(err)
	}
	_, err := main.Send(testContext(t), "missing", nil)
	is.True(err != nil)

	count, err := testutil.GatherAndCount(reg, "watt_itc_requests_total")
	is.NoErr(err)
	is.Equal(count, 2) // ping/ok and missing/error
}
