// echo is a minimal HTTP server used to exercise the process and go service
// types.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/matgreaves/watt/connect"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "echo: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	self, err := connect.FromEnv()
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "echo %s: %s %s", self.ServiceID, r.Method, r.URL.Path)
	})
	fmt.Printf("listening on %s\n", self.Addr())
	return connect.Serve(ctx, self.Addr(), mux)
}
