package connect_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/matgreaves/watt/connect"
	"github.com/matryer/is"
)

func TestFromEnv(t *testing.T) {
	is := is.New(t)
	t.Setenv("WATT_SERVICE_ID", "api")
	t.Setenv("HOST", "")
	t.Setenv("PORT", "8080")

	self, err := connect.FromEnv()
	is.NoErr(err)
	is.Equal(self, connect.Self{ServiceID: "api", Host: "127.0.0.1", Port: 8080})
	is.Equal(self.Addr(), "127.0.0.1:8080")
}

func TestFromEnv_InvalidPort(t *testing.T) {
	for _, port := range []string{"", "http", "0", "70000"} {
		t.Run(strconv.Quote(port), func(t *testing.T) {
			t.Setenv("PORT", port)
			if _, err := connect.FromEnv(); err == nil {
				t.Fatalf("want error for PORT=%q", port)
			}
		})
	}
}

func TestListenAndServe(t *testing.T) {
	is := is.New(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	is.NoErr(err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", strconv.Itoa(port))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- connect.ListenAndServe(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "ok")
		}))
	}()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/"
	var body []byte
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			body, _ = io.ReadAll(resp.Body)
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	is.Equal(string(body), "ok")

	cancel()
	is.NoErr(<-done)
}
