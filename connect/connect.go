// Package connect is for Go services run by watt. It reads the endpoint the
// runtime assigned from the environment and serves HTTP on it.
//
//	func main() {
//	    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	    defer stop()
//	    mux := http.NewServeMux()
//	    mux.HandleFunc("/", hello)
//	    if err := connect.ListenAndServe(ctx, mux); err != nil {
//	        log.Fatal(err)
//	    }
//	}
package connect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Self describes the running service as the runtime sees it.
type Self struct {
	ServiceID string
	Host      string
	Port      int
}

// Addr returns host:port.
func (s Self) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// FromEnv reads WATT_SERVICE_ID, HOST and PORT. HOST defaults to
// 127.0.0.1 so that a service can also be run by hand with only PORT set.
func FromEnv() (Self, error) {
	s := Self{ServiceID: os.Getenv("WATT_SERVICE_ID"), Host: os.Getenv("HOST")}
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	raw := os.Getenv("PORT")
	if raw == "" {
		return Self{}, errors.New("connect: PORT is not set")
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return Self{}, fmt.Errorf("connect: invalid PORT %q", raw)
	}
	s.Port = port
	return s, nil
}

// ListenAndServe serves handler on the endpoint from the environment until
// ctx is cancelled.
func ListenAndServe(ctx context.Context, handler http.Handler) error {
	self, err := FromEnv()
	if err != nil {
		return err
	}
	return Serve(ctx, self.Addr(), handler)
}

// Serve serves handler on addr. It blocks until ctx is cancelled, then
// shuts down gracefully with a 5-second timeout.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
