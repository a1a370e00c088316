package allocator

import (
	"testing"

	"github.com/pkg/errors"
)

func TestAllocateWithinRange(t *testing.T) {
	a := New(1024, 1030)
	for i := 0; i < 7; i++ {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate() #%d: %v", i, err)
		}
		if port < 1024 || port > 1030 {
			t.Fatalf("port %d out of range", port)
		}
	}
	if a.InUse() != 7 {
		t.Fatalf("InUse() = %d, want 7", a.InUse())
	}
}

func TestAllocateExhausted(t *testing.T) {
	a := New(1024, 1024)
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if _, err := a.Allocate(); errors.Cause(err) != ErrExhausted {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestReleaseIsIdempotentAndFreesPort(t *testing.T) {
	a := New(1024, 1024)
	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	a.Release(port)
	a.Release(port) // idempotent

	if _, err := a.Allocate(); err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
}
