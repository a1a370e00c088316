package tunnel

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Kartoshka2331/nigarok/internal/accounts"
	"github.com/Kartoshka2331/nigarok/internal/allocator"
	"github.com/Kartoshka2331/nigarok/internal/metrics"
)

// ServerOptions configures a Server. Zero-valued timeouts/limits fall
// back to the spec.md §5 defaults.
type ServerOptions struct {
	PublicBindHost string
	Verifier       *accounts.Verifier
	Allocator      *allocator.Allocator
	Metrics        *metrics.Server // nil disables metrics callbacks
	Quiet          bool

	AuthTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CleanupTimeout time.Duration
	PutTimeout     time.Duration
	QueueSize      int
}

// Server is the server-wide collaborator: it accepts control-link
// connections, authenticates each into a ServerSession, and tracks the
// set of live sessions under one mutex, per spec.md §5.
type Server struct {
	opts ServerOptions

	mu       sync.Mutex
	sessions map[*ServerSession]struct{}
}

// NewServer builds a Server. opts.Verifier and opts.Allocator must be
// non-nil.
func NewServer(opts ServerOptions) *Server {
	if opts.PublicBindHost == "" {
		opts.PublicBindHost = DefaultBindHost
	}
	opts.AuthTimeout = orDuration(opts.AuthTimeout, AuthTimeout)
	opts.ReadTimeout = orDuration(opts.ReadTimeout, ReadTimeout)
	opts.WriteTimeout = orDuration(opts.WriteTimeout, WriteTimeout)
	opts.CleanupTimeout = orDuration(opts.CleanupTimeout, CleanupTimeout)
	opts.PutTimeout = orDuration(opts.PutTimeout, PutTimeout)
	opts.QueueSize = orInt(opts.QueueSize, QueueSizeServer)

	return &Server{
		opts:     opts,
		sessions: make(map[*ServerSession]struct{}),
	}
}

// Serve accepts control-link connections on ln until ctx is cancelled
// or Accept fails. Each accepted connection gets its own ServerSession,
// run in its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(ErrTransport, err.Error())
		}
		sess := newServerSession(s, conn)
		go sess.run(ctx)
	}
}

func (s *Server) addSession(sess *ServerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
	if s.opts.Metrics != nil {
		s.opts.Metrics.SessionOpened()
	}
}

func (s *Server) removeSession(sess *ServerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess]; ok {
		delete(s.sessions, sess)
		if s.opts.Metrics != nil {
			s.opts.Metrics.SessionClosed()
		}
	}
}

// SessionCount reports how many sessions are currently tracked.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.opts.Quiet {
		return
	}
	log.Printf(format, args...)
}
