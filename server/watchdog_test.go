package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/matgreaves/watt/server"
	"github.com/matgreaves/watt/spec"
	"github.com/matryer/is"
)

func TestProgressWatchdog_ReportsStall(t *testing.T) {
	is := is.New(t)
	cfg := spec.Config{
		Name: "slow",
		Services: []spec.Service{
			{ID: "api", Type: "echo", Dependencies: []string{"db"}},
			{ID: "db", Type: "hanging"},
		},
	}
	sup := newSupervisor(t, cfg, supervisorOptions{stall: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.StartAll(ctx) }()

	ev, err := sup.Events().WaitFor(testCtx(t), 0, func(e server.Event) bool {
		return e.Type == server.EventRuntimeStalled
	})
	is.NoErr(err)
	is.Equal(ev.Message, "no progress for 100ms: db starting; api pending (waiting on db)")

	cancel()
	is.True(<-done != nil) // the batch was abandoned
}

func TestProgressWatchdog_QuietOnProgress(t *testing.T) {
	is := is.New(t)
	sup := newSupervisor(t, twoServices(), supervisorOptions{stall: 300 * time.Millisecond})

	is.NoErr(sup.StartAll(testCtx(t)))
	time.Sleep(700 * time.Millisecond)
	for _, e := range sup.Events().Events() {
		is.True(e.Type != server.EventRuntimeStalled)
	}
}
