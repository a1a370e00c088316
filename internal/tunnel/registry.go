package tunnel

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// ErrDuplicateID is returned by Registry.Insert when the id is already
// present.
var ErrDuplicateID = errors.New("tunnel: connection id already registered")

// VC is one multiplexed virtual connection: an id paired with its peer
// socket (the public-side socket on the server, the loopback-side
// socket on the client) plus the bookkeeping needed to emit CLOSE at
// most once per id per side.
type VC struct {
	ID   uint32
	Conn net.Conn

	closeOnce sync.Once
	closeSent bool
}

// MarkCloseSent reports whether this is the first call for this VC; it
// is used to enforce "CLOSE is emitted at most once per id per side".
func (v *VC) MarkCloseSent() (first bool) {
	v.closeOnce.Do(func() { v.closeSent = true; first = true })
	return
}

// Registry is the id -> socket map a session owns. All mutating
// operations are taken under mu; socket Close() calls must happen
// outside the lock by the caller, per spec.md §4.4.
type Registry struct {
	mu    sync.Mutex
	conns map[uint32]*VC
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uint32]*VC)}
}

// Insert adds a new VC under id. It fails with ErrDuplicateID if id is
// already present.
func (r *Registry) Insert(id uint32, conn net.Conn) (*VC, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		return nil, errors.Wrapf(ErrDuplicateID, "id %d", id)
	}
	vc := &VC{ID: id, Conn: conn}
	r.conns[id] = vc
	return vc, nil
}

// Get looks up id, returning (nil, false) on a miss. Callers MUST
// ignore DATA/CLOSE for an id that is not present — this is how that
// lookup is performed.
func (r *Registry) Get(id uint32) (*VC, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vc, ok := r.conns[id]
	return vc, ok
}

// Remove deletes id from the registry and returns the VC that was
// removed, or (nil, false) if it was already gone. The caller is
// responsible for closing vc.Conn outside any lock.
func (r *Registry) Remove(id uint32) (*VC, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vc, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return vc, ok
}

// Snapshot returns every VC currently registered, for teardown.
func (r *Registry) Snapshot() []*VC {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*VC, 0, len(r.conns))
	for _, vc := range r.conns {
		out = append(out, vc)
	}
	return out
}

// Len reports how many VCs are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
