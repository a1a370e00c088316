package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Kartoshka2331/nigarok/internal/frame"
	"github.com/Kartoshka2331/nigarok/internal/uiadapter"
)

// ClientSessionOptions configures one ClientSession. Zero-valued
// timeouts/limits fall back to the spec.md §5 defaults.
type ClientSessionOptions struct {
	ServerAddr string
	LocalAddr  string
	Login      string
	Password   string
	UI         uiadapter.UI // nil falls back to uiadapter.LogUI{}
	Metrics    interface {
		VCOpened()
		VCClosed()
		BytesDown(int)
	}
	Quiet bool

	// OnAuthenticated, if set, is called once authentication succeeds
	// and the public port is known — the Supervisor uses it to reset
	// its retry counter, per spec.md §4.8.
	OnAuthenticated func()

	DialTimeout      time.Duration
	AuthTimeout      time.Duration
	LocalDialTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PutTimeout       time.Duration
	QueueSize        int
}

func (o *ClientSessionOptions) applyDefaults() {
	if o.UI == nil {
		o.UI = uiadapter.LogUI{}
	}
	o.DialTimeout = orDuration(o.DialTimeout, DialTimeout)
	o.AuthTimeout = orDuration(o.AuthTimeout, AuthTimeout)
	o.LocalDialTimeout = orDuration(o.LocalDialTimeout, LocalDialTimeout)
	o.ReadTimeout = orDuration(o.ReadTimeout, ReadTimeout)
	o.WriteTimeout = orDuration(o.WriteTimeout, WriteTimeout)
	o.PingInterval = orDuration(o.PingInterval, PingInterval)
	o.PutTimeout = orDuration(o.PutTimeout, PutTimeout)
	o.QueueSize = orInt(o.QueueSize, QueueSizeClient)
}

// ClientSession is one run of the client state machine: Connecting ->
// Authenticating -> Running -> Closing -> Terminated, per spec.md §4.6.
// A fresh ClientSession is created by the reconnect Supervisor for
// every attempt; no state (including VCs) survives across attempts.
type ClientSession struct {
	opts     ClientSessionOptions
	link     *ControlLink
	registry *Registry

	lastPingSent time.Time
	lastPingMu   sync.Mutex
}

// NewClientSession builds a ClientSession ready to Run.
func NewClientSession(opts ClientSessionOptions) *ClientSession {
	opts.applyDefaults()
	return &ClientSession{
		opts:     opts,
		registry: NewRegistry(),
	}
}

func (c *ClientSession) logf(format string, args ...interface{}) {
	if c.opts.Quiet {
		return
	}
	c.opts.UI.OnLog(fmt.Sprintf(format, args...), "info")
}

// Run dials the server, authenticates with the real dialect, and
// blocks running the ping and listener duties until ctx is cancelled
// or a duty fails. It returns nil only when ctx is cancelled; any
// other return is the reason this attempt ended, which the Supervisor
// uses to decide whether to reconnect.
func (c *ClientSession) Run(ctx context.Context) error {
	c.opts.UI.OnState(uiadapter.StateConnecting)

	conn, err := net.DialTimeout("tcp", c.opts.ServerAddr, c.opts.DialTimeout)
	if err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	c.link = NewControlLink(conn)
	defer c.link.Close()

	c.opts.UI.OnState(uiadapter.StateAuthenticating)
	port, err := c.authenticate()
	if err != nil {
		return err
	}

	if c.opts.OnAuthenticated != nil {
		c.opts.OnAuthenticated()
	}

	host, _, _ := net.SplitHostPort(c.opts.ServerAddr)
	c.opts.UI.OnPublicAddress(host, port)
	c.opts.UI.OnState(uiadapter.StateRunning)

	return c.runDuties(ctx)
}

// authenticate sends the real-dialect prelude and waits for the server's
// NEW_CONNECTION(id=0) acknowledgement carrying the allocated port.
func (c *ClientSession) authenticate() (int, error) {
	line := fmt.Sprintf("%s:%s\n", c.opts.Login, c.opts.Password)
	if err := c.link.conn.SetWriteDeadline(time.Now().Add(c.opts.AuthTimeout)); err != nil {
		return 0, errors.Wrap(ErrTransport, err.Error())
	}
	if _, err := c.link.conn.Write([]byte(line)); err != nil {
		return 0, errors.Wrap(ErrTransport, err.Error())
	}

	t, id, payload, err := c.link.ReadFrame(c.opts.AuthTimeout)
	if err != nil {
		return 0, errors.Wrap(ErrAuth, err.Error())
	}
	if t != frame.NewConnection || id != 0 || len(payload) != 4 {
		return 0, errors.Wrap(ErrAuth, "unexpected response to authentication")
	}
	return int(frame.Uint32(payload)), nil
}

// runDuties runs the ping loop and the frame loop as a pair of
// concurrent duties via errgroup: the first to fail cancels the
// other's context, matching spec.md §5's "concurrent duties" model.
func (c *ClientSession) runDuties(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	// Closing the link unblocks a frameLoop parked in ReadFrame as soon
	// as the context is cancelled or the other duty fails.
	go func() {
		<-gctx.Done()
		c.link.Close()
	}()
	g.Go(func() error { return c.pingLoop(gctx) })
	g.Go(func() error { return c.frameLoop(gctx) })
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// pingLoop sends a PING every PingInterval and relies on frameLoop's
// PONG handling to compute RTT and report liveness to the UI.
func (c *ClientSession) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()
			c.lastPingMu.Lock()
			c.lastPingSent = now
			c.lastPingMu.Unlock()
			if err := c.link.WriteFrame(frame.Ping, 0, PingToken(now), c.opts.WriteTimeout); err != nil {
				return errors.Wrap(ErrTransport, err.Error())
			}
		}
	}
}

func (c *ClientSession) pipeOptions() PipeOptions {
	return PipeOptions{
		QueueSize:    c.opts.QueueSize,
		ReadChunk:    ReadChunk,
		ReadTimeout:  ReadTimeout,
		PutTimeout:   c.opts.PutTimeout,
		WriteTimeout: c.opts.WriteTimeout,
		OnBytes: func(n int) {
			if c.opts.Metrics != nil {
				c.opts.Metrics.BytesDown(n)
			}
		},
		OnClose: func() {
			if c.opts.Metrics != nil {
				c.opts.Metrics.VCClosed()
			}
		},
		Logf: c.logf,
	}
}

func (c *ClientSession) frameLoop(ctx context.Context) error {
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		t, id, payload, err := c.link.ReadFrame(c.opts.ReadTimeout)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(ErrTransport, err.Error())
		}

		switch t {
		case frame.NewConnection:
			if id == 0 {
				// A later port announcement only updates the displayed address.
				if len(payload) == 4 {
					host, _, _ := net.SplitHostPort(c.opts.ServerAddr)
					c.opts.UI.OnPublicAddress(host, int(frame.Uint32(payload)))
				}
				continue
			}
			c.handleNewConnection(ctx, id)
		case frame.Pong:
			c.handlePong(payload)
		case frame.Data:
			c.handleData(id, payload)
		case frame.Close:
			c.closeVC(id)
		default:
			c.logf("ignoring unexpected frame type %d for id %d", t, id)
		}
	}
}

func (c *ClientSession) handlePong(payload []byte) {
	rtt, err := RTT(payload, time.Now())
	if err != nil {
		c.opts.UI.OnPing(0, false, "")
		return
	}
	band := ClassifyRTT(rtt)
	c.opts.UI.OnPing(int(rtt.Milliseconds()), true, band.Label)
}

// handleNewConnection dials the local service the tunnel exposes and
// wires it into a fresh VC pipe, spec.md §4.6's "accept" equivalent on
// the client side.
func (c *ClientSession) handleNewConnection(ctx context.Context, id uint32) {
	conn, err := net.DialTimeout("tcp", c.opts.LocalAddr, c.opts.LocalDialTimeout)
	if err != nil {
		c.logf("vc %d: %v", id, errors.Wrap(ErrLocalDial, err.Error()))
		c.link.WriteFrame(frame.Close, id, nil, c.opts.WriteTimeout)
		return
	}

	vc, err := c.registry.Insert(id, conn)
	if err != nil {
		c.logf("registry insert for id %d failed: %v", id, err)
		conn.Close()
		return
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.VCOpened()
	}

	go RunPipe(ctx, vc, c.link, c.registry, c.pipeOptions())
}

func (c *ClientSession) handleData(id uint32, payload []byte) {
	vc, ok := c.registry.Get(id)
	if !ok {
		return
	}
	if err := vc.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err == nil {
		_, err = vc.Conn.Write(payload)
		if err != nil {
			c.logf("vc %d: %v", id, errors.Wrap(ErrPeerIO, err.Error()))
			c.closeVC(id)
		}
		return
	}
	c.closeVC(id)
}

func (c *ClientSession) closeVC(id uint32) {
	if vc, ok := c.registry.Remove(id); ok {
		vc.Conn.Close()
		if c.opts.Metrics != nil {
			c.opts.Metrics.VCClosed()
		}
	}
}

// teardown closes every VC this attempt opened. No VC survives across
// reconnect attempts, per spec.md §4.8.
func (c *ClientSession) teardown() {
	for _, vc := range c.registry.Snapshot() {
		c.registry.Remove(vc.ID)
		vc.Conn.Close()
	}
}
