package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matgreaves/watt/client"
	"github.com/matgreaves/watt/internal/transport"
	"github.com/matgreaves/watt/server"
	"github.com/matgreaves/watt/server/service"
	"github.com/matgreaves/watt/spec"
	"github.com/rs/zerolog"
)

// startRuntime serves a two-service runtime for this process in a private
// pids dir and points the CLI at it.
func startRuntime(t *testing.T) {
	t.Helper()
	dir, err := os.MkdirTemp("", "wattctl")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("WATT_PIDS_DIR", dir)

	reg := service.NewRegistry()
	reg.Register("echo", service.Handler{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		fmt.Fprintf(w, "%s %s", r.URL.Path, body)
	})})
	logger := zerolog.Nop()
	sup, err := server.NewSupervisor(spec.Config{
		Name: "shop",
		Services: []spec.Service{
			{ID: "api", Type: "echo", Dependencies: []string{"db"}},
			{ID: "db", Type: "echo", Config: map[string]any{"size": "small"}},
		},
	}, server.Options{Registry: reg, Logger: &logger, StartTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	ln, err := transport.Listen()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.NewServer(sup, server.ServerOptions{}).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-served
		closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		sup.Close(closeCtx)
	})
}

// wattctl runs the CLI with args and returns stdout and stderr.
func wattctl(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestPs(t *testing.T) {
	startRuntime(t)
	out, _, err := wattctl(t, "ps")
	if err != nil {
		t.Fatalf("ps: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("ps printed %d lines, want header + 1:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "PID") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], fmt.Sprint(os.Getpid())) || !strings.Contains(lines[1], "shop") {
		t.Errorf("row = %q, want pid and name", lines[1])
	}
}

func TestStartStopServices(t *testing.T) {
	startRuntime(t)

	out, _, err := wattctl(t, "start")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("start printed:\n%s", out)
	}
	if !strings.HasPrefix(lines[1], "db ") || !strings.HasPrefix(lines[2], "api *") {
		t.Errorf("services not in start order with entrypoint marked:\n%s", out)
	}
	if strings.Count(out, "started") != 2 {
		t.Errorf("want both services started:\n%s", out)
	}

	out, _, err = wattctl(t, "-r", "shop", "stop", "api")
	if err != nil {
		t.Fatalf("stop api: %v", err)
	}
	if !strings.HasPrefix(out, "api stopped") {
		t.Errorf("stop api printed %q", out)
	}

	out, _, err = wattctl(t, "services")
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if !strings.Contains(out, "stopped") || !strings.Contains(out, "started") {
		t.Errorf("want api stopped and db started:\n%s", out)
	}
}

func TestInject(t *testing.T) {
	startRuntime(t)
	if _, _, err := wattctl(t, "start"); err != nil {
		t.Fatal(err)
	}

	out, errOut, err := wattctl(t, "inject", "api", "/hello", "-d", "hi", "-i")
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if !strings.Contains(errOut, "POST /hello 200 OK") {
		t.Errorf("status line = %q", errOut)
	}
	if !strings.Contains(out, "X-Method: POST") {
		t.Errorf("headers missing from:\n%s", out)
	}
	if !strings.HasSuffix(out, "/hello hi") {
		t.Errorf("body missing from:\n%s", out)
	}

	_, _, err = wattctl(t, "inject", "api", "/", "-H", "broken")
	if err == nil {
		t.Fatal("want error for malformed header")
	}
}

func TestConfigAndEnv(t *testing.T) {
	startRuntime(t)

	out, _, err := wattctl(t, "config", "db")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(out, "id: db") || !strings.Contains(out, "size: small") {
		t.Errorf("config printed:\n%s", out)
	}

	file := t.TempDir() + "/db.yaml"
	if err := os.WriteFile(file, []byte("size: large\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, _, err = wattctl(t, "config", "db", "-f", file)
	if err != nil {
		t.Fatalf("config -f: %v", err)
	}
	if !strings.Contains(out, "size: large") {
		t.Errorf("updated config printed:\n%s", out)
	}

	out, _, err = wattctl(t, "env", "db")
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if !strings.Contains(out, "WATT_SERVICE_ID=db\n") {
		t.Errorf("env printed:\n%s", out)
	}
}

func TestErrors(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WATT_PIDS_DIR", dir)

	_, _, err := wattctl(t, "services")
	if !errors.Is(err, client.ErrRuntimeNotFound) {
		t.Fatalf("err = %v, want ErrRuntimeNotFound", err)
	}

	startRuntime(t)
	_, _, err = wattctl(t, "stop", "nope")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404", err)
	}
	if strings.Contains(oneLine(err), "\n") {
		t.Errorf("multi-line error: %q", oneLine(err))
	}

	_, _, err = wattctl(t, "config")
	if err == nil {
		t.Fatal("want arg count error")
	}
}

func TestTable(t *testing.T) {
	tbl := &table{headers: []string{"A", "LONGER", "LAST"}}
	tbl.add("xxx", "y", "z")
	var buf bytes.Buffer
	tbl.render(&buf)
	want := "A    LONGER  LAST\nxxx  y       z\n"
	if buf.String() != want {
		t.Errorf("got:\n%q\nwant:\n%q", buf.String(), want)
	}
}

func TestFormatUptime(t *testing.T) {
	for _, tt := range []struct {
		seconds float64
		want    string
	}{
		{1.4, "1s"},
		{125, "2m5s"},
		{3*3600 + 61, "3h1m0s"},
	} {
		if got := formatUptime(tt.seconds); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}
