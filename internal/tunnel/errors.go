package tunnel

import "github.com/pkg/errors"

// Error kinds from spec.md §7. Each is a sentinel; component code
// wraps these with errors.Wrap so %+v logging keeps a stack trace
// while errors.Cause still recovers the kind for dispatch.
var (
	// ErrAuth covers a rejected credential pair, a malformed
	// authentication prelude, or an authentication timeout.
	ErrAuth = errors.New("tunnel: authentication failed")
	// ErrPortAlloc means the port allocator could not provide a
	// public port for a newly authenticated session.
	ErrPortAlloc = errors.New("tunnel: port allocation failed")
	// ErrLocalDial means the client could not reach the local
	// service within LOCAL_DIAL_TIMEOUT for a given virtual connection.
	ErrLocalDial = errors.New("tunnel: local dial failed")
	// ErrTransport covers any I/O failure on the control link itself.
	ErrTransport = errors.New("tunnel: control link transport error")
	// ErrPeerIO covers a failure on a VC's peer socket (public-side or
	// loopback-side), confined to that one VC.
	ErrPeerIO = errors.New("tunnel: peer socket I/O error")
	// ErrQueueOverflow means a VC's bounded pipe queue stayed full
	// beyond PUT_TIMEOUT and that VC was torn down.
	ErrQueueOverflow = errors.New("tunnel: pipe queue overflow")
	// ErrCancelled marks a deliberate shutdown path; per spec.md §7 it
	// is never logged as an error.
	ErrCancelled = errors.New("tunnel: cancelled")
)
