package server

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out OS-assigned loopback ports and remembers which
// service holds each one, so a restarted service never collides with a
// port still held by a sibling.
type PortAllocator struct {
	mu        sync.Mutex
	byPort    map[int]string // port → service id
	byService map[string]int
}

// NewPortAllocator creates an empty port allocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		byPort:    make(map[int]string),
		byService: make(map[string]int),
	}
}

// Allocate reserves a free port for serviceID, replacing any port it held
// before. It binds to :0 to let the OS pick, records the port, then closes
// the listener.
//
// There is a small window between closing the listener and the service
// binding the port. In practice this is negligible.
func (a *PortAllocator) Allocate(serviceID string) (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	a.mu.Lock()
	defer a.mu.Unlock()

	if owner, ok := a.byPort[port]; ok && owner != serviceID {
		return 0, fmt.Errorf("port %d already allocated to service %q", port, owner)
	}
	if old, ok := a.byService[serviceID]; ok {
		delete(a.byPort, old)
	}
	a.byPort[port] = serviceID
	a.byService[serviceID] = port
	return port, nil
}

// Port returns the port currently held by serviceID.
func (a *PortAllocator) Port(serviceID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byService[serviceID]
	return port, ok
}

// Release frees the port held by serviceID, if any.
func (a *PortAllocator) Release(serviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byService[serviceID]; ok {
		delete(a.byPort, port)
		delete(a.byService, serviceID)
	}
}

// Allocated returns the number of currently tracked ports.
func (a *PortAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byPort)
}
