package port

import (
	"errors"
	"net"
	"strconv"
	"testing"
)

func TestAllocateReturnsBindablePort(t *testing.T) {
	for i := 0; i < 5; i++ {
		p, err := Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if p <= 0 || p > 65535 {
			t.Fatalf("port out of range: %d", p)
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(LoopbackHost, strconv.Itoa(p)))
		if err != nil {
			t.Fatalf("port %d not bindable right after allocation: %v", p, err)
		}
		_ = ln.Close()
	}
}

func TestAllocateInvalidHost(t *testing.T) {
	// TEST-NET-1 is never assigned to a local interface.
	_, err := Allocator{Host: "192.0.2.1"}.Allocate()
	if err == nil {
		t.Fatalf("expected error binding a non-local address")
	}
	var ae *AllocationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AllocationError, got %T: %v", err, err)
	}
	if ae.Host != "192.0.2.1" || ae.Unwrap() == nil {
		t.Fatalf("unexpected error fields: %+v", ae)
	}
}
