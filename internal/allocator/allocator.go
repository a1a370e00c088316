// Package allocator implements the bounded-range random port allocator
// server sessions draw their public port from.
package allocator

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// maxAttempts bounds how many random draws Allocate will make before
// giving up; it guards against an exhausted range spinning forever.
const maxAttempts = 100

// ErrExhausted is returned when Allocate could not find a free port
// within maxAttempts draws.
var ErrExhausted = errors.New("allocator: no free port found")

// Allocator draws unique ports from [lo, hi], guarded by a mutex.
type Allocator struct {
	mu   sync.Mutex
	lo   int
	hi   int
	used map[int]struct{}
	rng  *rand.Rand
}

// New returns an Allocator over the inclusive range [lo, hi].
func New(lo, hi int) *Allocator {
	return &Allocator{
		lo:   lo,
		hi:   hi,
		used: make(map[int]struct{}),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Allocate draws a uniformly random free port in the configured range
// and reserves it. It fails with ErrExhausted after maxAttempts
// collisions; the allocator itself never retries beyond that.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.hi - a.lo + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port := a.lo + a.rng.Intn(span)
		if _, taken := a.used[port]; taken {
			continue
		}
		a.used[port] = struct{}{}
		return port, nil
	}
	return 0, errors.Wrapf(ErrExhausted, "range [%d,%d] after %d attempts", a.lo, a.hi, maxAttempts)
}

// Release frees port for future allocation. It is idempotent: releasing
// an already-free or out-of-range port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// InUse reports how many ports are currently allocated, for metrics.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
