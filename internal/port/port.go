package port

import (
	"fmt"
	"net"
)

// LoopbackHost is the only interface the embedded service is ever bound to.
const LoopbackHost = "127.0.0.1"

// AllocationError reports that no ephemeral port could be bound on the host.
// It indicates a broken local environment and is never retried.
type AllocationError struct {
	Host string
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate port on %s: %v", e.Host, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Allocator hands out OS-assigned TCP ports.
type Allocator struct {
	Host string // defaults to LoopbackHost
}

// Allocate binds host:0, reads back the assigned port and releases the socket
// before returning, so the number can be passed to a child as plain config.
func (a Allocator) Allocate() (int, error) {
	host := a.Host
	if host == "" {
		host = LoopbackHost
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, &AllocationError{Host: host, Err: err}
	}
	addr, ok := ln.Addr().(*net.TCPAddr)
	if err := ln.Close(); err != nil {
		return 0, &AllocationError{Host: host, Err: err}
	}
	if !ok || addr.Port == 0 {
		return 0, &AllocationError{Host: host, Err: fmt.Errorf("unexpected listener address %v", ln.Addr())}
	}
	return addr.Port, nil
}

// Allocate returns a free loopback port using the default Allocator.
func Allocate() (int, error) { return Allocator{}.Allocate() }
