package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Kartoshka2331/nigarok/internal/frame"
)

// ServerSession is one authenticated client's state on the server
// side: its control link, its allocated public port and listener, and
// the registry of virtual connections it owns. Its states are
// Accepted -> Authenticating -> Provisioning -> Running -> Closing ->
// Terminated, per spec.md §4.7.
type ServerSession struct {
	server *Server
	link   *ControlLink

	login          string
	publicPort     int
	publicListener net.Listener
	registry       *Registry

	vcWG      sync.WaitGroup
	closeOnce sync.Once
}

func newServerSession(server *Server, conn net.Conn) *ServerSession {
	return &ServerSession{
		server:   server,
		link:     NewControlLink(conn),
		registry: NewRegistry(),
	}
}

func (s *ServerSession) logf(format string, args ...interface{}) {
	s.server.logf("[%s] "+format, append([]interface{}{s.link.RemoteAddr()}, args...)...)
}

// run drives the session end to end: authenticate, provision a public
// port, run until the control link or a duty fails, then tear down.
func (s *ServerSession) run(ctx context.Context) {
	authenticated, err := s.authenticate()
	if err != nil {
		if errors.Cause(err) != ErrCancelled {
			s.logf("authentication failed: %v", err)
		}
		s.link.Close()
		return
	}
	if !authenticated {
		// Test dialect: the probe already got its response and the
		// link is closed. No session state persists.
		return
	}

	s.server.addSession(s)
	defer s.server.removeSession(s)

	if err := s.provision(); err != nil {
		s.logf("provisioning failed: %v", err)
		s.link.Close()
		return
	}
	defer s.teardown()

	s.runDuties(ctx)
}

// authenticate reads the auth prelude and dispatches to the test or
// real dialect. The bool return reports whether a real session should
// continue (false for the test dialect, which always closes the link
// itself).
func (s *ServerSession) authenticate() (bool, error) {
	conn := s.link.conn
	if err := conn.SetReadDeadline(time.Now().Add(s.server.opts.AuthTimeout)); err != nil {
		return false, errors.Wrap(ErrTransport, err.Error())
	}

	lr := &io.LimitedReader{R: conn, N: MaxAuthBytes}
	br := bufio.NewReader(lr)
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return false, errors.Wrap(ErrAuth, err.Error())
	}
	line = strings.TrimRight(line, "\r\n")
	if !utf8.ValidString(line) {
		return false, errors.Wrap(ErrAuth, "non-utf8 auth prelude")
	}

	switch {
	case strings.HasPrefix(line, TestDialectPrefix):
		return false, s.authenticateTestDialect(strings.TrimPrefix(line, TestDialectPrefix))
	case strings.Contains(line, ":"):
		return true, s.authenticateRealDialect(line)
	default:
		s.logf("malformed auth prelude, closing")
		return false, errors.Wrap(ErrAuth, "malformed auth prelude")
	}
}

func (s *ServerSession) authenticateTestDialect(rest string) error {
	defer s.link.Close()

	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		s.logf("malformed test-dialect prelude, closing")
		return errors.Wrap(ErrAuth, "malformed test-dialect prelude")
	}
	login, password := parts[0], parts[1]

	if !s.server.opts.Verifier.Verify(login, password) {
		if s.server.opts.Metrics != nil {
			s.server.opts.Metrics.AuthFailure()
		}
		return errors.Wrap(ErrAuth, "test-dialect credentials rejected")
	}

	if err := s.link.conn.SetWriteDeadline(time.Now().Add(s.server.opts.WriteTimeout)); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if _, err := s.link.conn.Write([]byte("OK")); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return nil
}

func (s *ServerSession) authenticateRealDialect(line string) error {
	parts := strings.SplitN(line, ":", 2)
	login, password := parts[0], parts[1]

	if !s.server.opts.Verifier.Verify(login, password) {
		if s.server.opts.Metrics != nil {
			s.server.opts.Metrics.AuthFailure()
		}
		return errors.Wrap(ErrAuth, "credentials rejected")
	}
	s.login = login
	return nil
}

// provision allocates a public port and binds the public listener,
// Authenticating -> Provisioning -> Running in spec.md §4.7.
func (s *ServerSession) provision() error {
	port, err := s.server.opts.Allocator.Allocate()
	if err != nil {
		return errors.Wrap(ErrPortAlloc, err.Error())
	}

	addr := fmt.Sprintf("%s:%d", s.server.opts.PublicBindHost, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.server.opts.Allocator.Release(port)
		return errors.Wrap(ErrPortAlloc, err.Error())
	}

	s.publicPort = port
	s.publicListener = ln
	if s.server.opts.Metrics != nil {
		s.server.opts.Metrics.PortAllocated()
	}

	payload := make([]byte, 4)
	frame.PutUint32(payload, uint32(port))
	if err := s.link.WriteFrame(frame.NewConnection, 0, payload, s.server.opts.WriteTimeout); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	s.logf("allocated public port %d for %q", port, s.login)
	return nil
}

// runDuties runs the accept loop and the frame loop as a pair of
// concurrent duties; the first to fail cancels the other's context via
// errgroup, matching spec.md §5's "cancelling the session cancels all
// VC pipes."
func (s *ServerSession) runDuties(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.frameLoop(gctx) })
	if err := g.Wait(); err != nil && errors.Cause(err) != ErrCancelled {
		s.logf("session duty failed: %v", err)
	}
}

func (s *ServerSession) pipeOptions() PipeOptions {
	return PipeOptions{
		QueueSize:    s.server.opts.QueueSize,
		ReadChunk:    ReadChunk,
		ReadTimeout:  s.server.opts.ReadTimeout,
		PutTimeout:   s.server.opts.PutTimeout,
		WriteTimeout: s.server.opts.WriteTimeout,
		OnBytes: func(n int) {
			if s.server.opts.Metrics != nil {
				s.server.opts.Metrics.BytesUp(n)
			}
		},
		OnClose: func() {
			if s.server.opts.Metrics != nil {
				s.server.opts.Metrics.VCClosed()
			}
		},
		Logf: s.logf,
	}
}

func (s *ServerSession) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.publicListener.Close()
	}()

	payload := make([]byte, 4)
	frame.PutUint32(payload, uint32(s.publicPort))

	for {
		conn, err := s.publicListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(ErrTransport, err.Error())
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
		}

		id, err := s.allocateVCID()
		if err != nil {
			s.logf("virtual connection id space exhausted: %v", err)
			conn.Close()
			continue
		}
		vc, err := s.registry.Insert(id, conn)
		if err != nil {
			s.logf("registry insert for id %d failed: %v", id, err)
			conn.Close()
			continue
		}

		if err := s.link.WriteFrame(frame.NewConnection, id, payload, s.server.opts.WriteTimeout); err != nil {
			s.registry.Remove(id)
			conn.Close()
			return errors.Wrap(ErrTransport, err.Error())
		}
		if s.server.opts.Metrics != nil {
			s.server.opts.Metrics.VCOpened()
		}

		s.vcWG.Add(1)
		go func() {
			defer s.vcWG.Done()
			RunPipe(ctx, vc, s.link, s.registry, s.pipeOptions())
		}()
	}
}

// allocateVCID draws a fresh random id in [1, 2^31-1], rerolling on a
// registry collision as spec.md §9 requires.
func (s *ServerSession) allocateVCID() (uint32, error) {
	for attempt := 0; attempt < 100; attempt++ {
		id := uint32(rand.Int31())
		if id == 0 {
			continue
		}
		if _, exists := s.registry.Get(id); !exists {
			return id, nil
		}
	}
	return 0, errors.New("no free virtual connection id after 100 attempts")
}

func (s *ServerSession) frameLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		t, id, payload, err := s.link.ReadFrame(s.server.opts.ReadTimeout)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // non-fatal per spec.md §4.7
			}
			if errors.Cause(err) == io.EOF {
				// A non-nil error makes errgroup cancel acceptLoop, so the
				// session tears down; ErrCancelled keeps it out of the log.
				return errors.Wrap(ErrCancelled, "control link closed by peer")
			}
			return errors.Wrap(ErrTransport, err.Error())
		}

		switch t {
		case frame.Ping:
			if err := s.link.WriteFrame(frame.Pong, id, payload, s.server.opts.WriteTimeout); err != nil {
				return errors.Wrap(ErrTransport, err.Error())
			}
		case frame.Data:
			vc, ok := s.registry.Get(id)
			if !ok {
				continue // unknown id: drop silently per spec.md §4.7
			}
			if err := vc.Conn.SetWriteDeadline(time.Now().Add(s.server.opts.WriteTimeout)); err == nil {
				_, err = vc.Conn.Write(payload)
			}
			if err != nil {
				s.logf("vc %d: %v", id, errors.Wrap(ErrPeerIO, err.Error()))
				s.closeVC(id)
			}
		case frame.Close:
			s.closeVC(id)
		default:
			s.logf("ignoring unexpected frame type %d for id %d", t, id)
		}
	}
}

func (s *ServerSession) closeVC(id uint32) {
	if vc, ok := s.registry.Remove(id); ok {
		vc.Conn.Close()
		if s.server.opts.Metrics != nil {
			s.server.opts.Metrics.VCClosed()
		}
	}
}

// teardown gives every in-flight VC pipe up to CleanupTimeout to drain
// and send its own CLOSE on its own terms (cancellation already reaches
// them via the runDuties errgroup context); whatever hasn't finished by
// then is force-closed here instead, releasing the public port and
// closing the control link last — spec.md §4.7's Closing state.
func (s *ServerSession) teardown() {
	s.closeOnce.Do(func() {
		drained := make(chan struct{})
		go func() {
			s.vcWG.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(s.server.opts.CleanupTimeout):
		}

		for _, vc := range s.registry.Snapshot() {
			s.registry.Remove(vc.ID)
			vc.Conn.Close()
		}
		if s.publicListener != nil {
			s.publicListener.Close()
		}
		if s.publicPort != 0 {
			s.server.opts.Allocator.Release(s.publicPort)
			if s.server.opts.Metrics != nil {
				s.server.opts.Metrics.PortReleased()
			}
		}
		s.link.Close()
	})
}
