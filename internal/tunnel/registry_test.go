package tunnel

import (
	"net"
	"testing"

	"github.com/pkg/errors"
)

func TestRegistryInsertGetRemove(t *testing.T) {
	r := NewRegistry()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	vc, err := r.Insert(1, c1)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if vc.ID != 1 {
		t.Fatalf("ID = %d, want 1", vc.ID)
	}

	got, ok := r.Get(1)
	if !ok || got != vc {
		t.Fatalf("Get(1) = %v, %v, want original vc, true", got, ok)
	}

	removed, ok := r.Remove(1)
	if !ok || removed != vc {
		t.Fatalf("Remove(1) = %v, %v, want original vc, true", removed, ok)
	}

	if _, ok := r.Remove(1); ok {
		t.Fatalf("second Remove(1) should miss")
	}
	if _, ok := r.Get(1); ok {
		t.Fatalf("Get(1) after remove should miss")
	}
}

func TestRegistryRejectsDuplicateInsert(t *testing.T) {
	r := NewRegistry()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	if _, err := r.Insert(5, c1); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if _, err := r.Insert(5, c2); errors.Cause(err) != ErrDuplicateID {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	for i := uint32(1); i <= 3; i++ {
		c1, _ := net.Pipe()
		if _, err := r.Insert(i, c1); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if got := len(r.Snapshot()); got != 3 {
		t.Fatalf("len(Snapshot()) = %d, want 3", got)
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
}

func TestVCMarkCloseSentOnce(t *testing.T) {
	vc := &VC{ID: 1}
	if !vc.MarkCloseSent() {
		t.Fatalf("first MarkCloseSent() should return true")
	}
	if vc.MarkCloseSent() {
		t.Fatalf("second MarkCloseSent() should return false")
	}
}
