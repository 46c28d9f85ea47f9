// Package ports provides process-local TCP port probing and reservation for
// the generated application's services.
package ports

import (
	"fmt"
	"net"
	"sync"
)

// Probe reports whether the port is free on 127.0.0.1 by binding and
// immediately closing a listener.
func Probe(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// Allocator hands out distinct free TCP ports within a single process.
// Ports already handed out are never returned again until Reset.
type Allocator struct {
	mu       sync.Mutex
	reserved map[int]bool
}

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{reserved: make(map[int]bool)}
}

// Allocate returns the first port that is not already reserved and binds
// successfully on 127.0.0.1. Preferred ports are tried in order before
// scanning [rangeStart, rangeEnd].
func (a *Allocator) Allocate(preferred []int, rangeStart, rangeEnd int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, port := range preferred {
		if port <= 0 || a.reserved[port] {
			continue
		}
		if Probe(port) {
			a.reserved[port] = true
			return port, nil
		}
	}

	for port := rangeStart; port <= rangeEnd; port++ {
		if a.reserved[port] {
			continue
		}
		if Probe(port) {
			a.reserved[port] = true
			return port, nil
		}
	}

	return 0, fmt.Errorf("no free port in preferred list or range [%d, %d]", rangeStart, rangeEnd)
}

// Reserved reports whether the allocator has handed out the port.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port]
}

// Reset clears all reservations. Called at the start of each run.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved = make(map[int]bool)
}
