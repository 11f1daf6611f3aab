//go:build windows

package transport

// Default returns the platform transport: named pipes.
func Default() Transport {
	return PipeTransport{}
}
