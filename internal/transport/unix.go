package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/matgreaves/run/onexit"
)

const socketExt = ".sock"

// UnixTransport places one socket per runtime in Dir, named {pid}.sock.
type UnixTransport struct {
	Dir string
}

// DefaultPidsDir returns the directory runtimes bind their sockets in.
// WATT_PIDS_DIR overrides the default of {tmpdir}/platformatic/pids.
func DefaultPidsDir() string {
	if dir := os.Getenv("WATT_PIDS_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "platformatic", "pids")
}

func (u UnixTransport) dir() string {
	if u.Dir == "" {
		return DefaultPidsDir()
	}
	return u.Dir
}

func (u UnixTransport) Address(pid int) string {
	return filepath.Join(u.dir(), strconv.Itoa(pid)+socketExt)
}

// Listen removes any stale socket for pid and binds a fresh one. The socket
// file is removed when the listener closes, or by onexit if the process dies
// without closing it.
func (u UnixTransport) Listen(pid int) (net.Listener, error) {
	if err := os.MkdirAll(u.dir(), 0o755); err != nil {
		return nil, fmt.Errorf("create pids dir: %w", err)
	}
	path := u.Address(pid)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	cancel, _ := onexit.OnExitF("rm -f %s", path)
	return &cleanupListener{Listener: ln, cancel: cancel}, nil
}

func (u UnixTransport) Dial(ctx context.Context, pid int) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", u.Address(pid))
}

// Discover lists the pids of sockets in Dir, in ascending order. A missing
// directory means no runtimes.
func (u UnixTransport) Discover() ([]int, error) {
	entries, err := os.ReadDir(u.dir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pids dir: %w", err)
	}
	var pids []int
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), socketExt)
		if !ok || e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(name)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids, nil
}

// cleanupListener cancels the onexit hook once the socket is gone.
type cleanupListener struct {
	net.Listener
	cancel func()
}

func (l *cleanupListener) Close() error {
	err := l.Listener.Close()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	return err
}
