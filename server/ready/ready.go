// Package ready polls a service endpoint until it accepts traffic.
package ready

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultInitialInterval is the starting poll interval.
	DefaultInitialInterval = 10 * time.Millisecond

	// DefaultMaxInterval is the maximum poll interval after backoff.
	DefaultMaxInterval = 1 * time.Second

	// DefaultTimeout is the default maximum wait for readiness.
	DefaultTimeout = 30 * time.Second
)

// Checker performs a single readiness probe against addr (host:port).
type Checker interface {
	Check(ctx context.Context, addr string) error
}

// For returns a Checker for the named probe kind. "http" probes path with a
// GET; anything else dials TCP.
func For(kind, path string) Checker {
	switch kind {
	case "http", "":
		return &HTTP{Path: path}
	default:
		return TCP{}
	}
}

// Options tunes Poll. Zero values select the defaults.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration

	// OnFailure is called after each failed probe.
	OnFailure func(err error)
}

// Poll repeatedly calls checker.Check with exponential backoff until the
// check succeeds, the timeout elapses or ctx is cancelled.
func Poll(ctx context.Context, addr string, checker Checker, opts Options) error {
	timeout := DefaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	interval := DefaultInitialInterval
	if opts.Interval > 0 {
		interval = opts.Interval
	}
	maxInterval := max(DefaultMaxInterval, interval)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		err := checker.Check(ctx, addr)
		if err == nil {
			return nil
		}
		lastErr = err
		if opts.OnFailure != nil {
			opts.OnFailure(err)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("readiness check failed after %s (last error: %v)", timeout, lastErr)
		case <-timer.C:
		}

		interval = min(interval*2, maxInterval)
	}
}
