package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/matgreaves/watt/server"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func receive(t *testing.T, ch <-chan server.LogLine) server.LogLine {
	t.Helper()
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("log stream closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for log line")
		return server.LogLine{}
	}
}

func TestLogStream_FiltersByLevel(t *testing.T) {
	is := is.New(t)
	stream := server.NewLogStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := stream.Subscribe(ctx, zerolog.TraceLevel)
	warn := stream.Subscribe(ctx, zerolog.WarnLevel)

	log := zerolog.New(stream)
	log.Debug().Msg("noise")
	log.Error().Str("service", "api").Msg("boom")

	is.Equal(receive(t, all).Level, zerolog.DebugLevel)
	got := receive(t, all)
	is.Equal(got.Level, zerolog.ErrorLevel)
	is.Equal(string(got.Raw), `{"level":"error","service":"api","message":"boom"}`)

	is.Equal(receive(t, warn).Level, zerolog.ErrorLevel)
}

func TestLogStream_LiveOnly(t *testing.T) {
	is := is.New(t)
	stream := server.NewLogStream()
	log := zerolog.New(stream)

	log.Info().Msg("before")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := stream.Subscribe(ctx, zerolog.InfoLevel)
	log.Info().Msg("after")

	is.Equal(string(receive(t, ch).Raw), `{"level":"info","message":"after"}`)
}

func TestLogStream_SubscriptionEndsWithContext(t *testing.T) {
	is := is.New(t)
	stream := server.NewLogStream()
	ctx, cancel := context.WithCancel(context.Background())
	ch := stream.Subscribe(ctx, zerolog.InfoLevel)
	is.Equal(stream.Subscribers(), 1)

	cancel()
	select {
	case _, ok := <-ch:
		is.True(!ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	is.Equal(stream.Subscribers(), 0)
}

func TestLogStream_Close(t *testing.T) {
	is := is.New(t)
	stream := server.NewLogStream()
	ch := stream.Subscribe(context.Background(), zerolog.InfoLevel)

	stream.Close()
	_, ok := <-ch
	is.True(!ok)

	// Subscribing after close yields a closed channel; writes are dropped.
	_, ok = <-stream.Subscribe(context.Background(), zerolog.InfoLevel)
	is.True(!ok)
	n, err := stream.Write([]byte(`{"level":"info"}` + "\n"))
	is.NoErr(err)
	is.Equal(n, 17)
}

func TestParseLevel(t *testing.T) {
	is := is.New(t)
	is.Equal(server.ParseLevel([]byte(`{"level":"warn","message":"x"}`)), zerolog.WarnLevel)
	is.Equal(server.ParseLevel([]byte(`{"message":"no level"}`)), zerolog.InfoLevel)
	is.Equal(server.ParseLevel([]byte(`plain text`)), zerolog.InfoLevel)
	is.Equal(server.ParseLevel([]byte(`{"level":"bogus"}`)), zerolog.InfoLevel)
}
