//go:build !windows

package transport

// Default returns the platform transport: unix sockets under
// DefaultPidsDir.
func Default() Transport {
	return UnixTransport{}
}
