//go:build windows

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/Microsoft/go-winio"
)

const (
	pipeDir    = `\\.\pipe\`
	pipePrefix = "platformatic-"
)

// PipeTransport binds one named pipe per runtime, \\.\pipe\platformatic-{pid}.
type PipeTransport struct{}

func (PipeTransport) Address(pid int) string {
	return pipeDir + pipePrefix + strconv.Itoa(pid)
}

func (p PipeTransport) Listen(pid int) (net.Listener, error) {
	ln, err := winio.ListenPipe(p.Address(pid), nil)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", p.Address(pid), err)
	}
	return ln, nil
}

func (p PipeTransport) Dial(ctx context.Context, pid int) (net.Conn, error) {
	return winio.DialPipeContext(ctx, p.Address(pid))
}

// Discover enumerates the pipe namespace directly.
func (PipeTransport) Discover() ([]int, error) {
	entries, err := os.ReadDir(pipeDir)
	if err != nil {
		return nil, fmt.Errorf("list named pipes: %w", err)
	}
	var pids []int
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), pipePrefix)
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(rest)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids, nil
}
