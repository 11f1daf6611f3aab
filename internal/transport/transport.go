// Package transport addresses runtime control planes by process id. Each
// runtime listens on a local endpoint derived from its pid, so any process
// on the host can find and reach it without prior coordination.
package transport

import (
	"context"
	"net"
	"os"
)

// Transport binds, dials and discovers pid-addressed endpoints.
type Transport interface {
	// Address returns the endpoint path for pid.
	Address(pid int) string

	// Listen binds the endpoint for pid.
	Listen(pid int) (net.Listener, error)

	// Dial connects to the endpoint for pid.
	Dial(ctx context.Context, pid int) (net.Conn, error)

	// Discover lists the pids that currently have an endpoint. Endpoints
	// left behind by dead processes may be included; callers probe them.
	Discover() ([]int, error)
}

// Listen binds the default transport's endpoint for the current process.
func Listen() (net.Listener, error) {
	return Default().Listen(os.Getpid())
}
