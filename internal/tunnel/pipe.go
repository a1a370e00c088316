package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Kartoshka2331/nigarok/internal/frame"
)

// PipeOptions tunes one direction of a VC's bidirectional pipe: the
// peer-socket reader feeding a bounded queue, and the writer draining
// that queue onto the control link as DATA frames.
type PipeOptions struct {
	QueueSize    int
	ReadChunk    int
	ReadTimeout  time.Duration
	PutTimeout   time.Duration
	WriteTimeout time.Duration
	// OnBytes, if set, is called with the number of payload bytes
	// forwarded for this VC — the traffic-counter collaborator's feed.
	OnBytes func(n int)
	// OnClose, if set, is called at most once for this VC, and only
	// when teardown is the call that actually removes it from the
	// registry. A VC removed earlier by an explicit CLOSE frame
	// (closeVC, which decrements the VCClosed gauge itself) is not
	// double-counted here, since that Remove already won the race.
	OnClose func()
	// Logf receives best-effort diagnostic lines; nil is fine.
	Logf func(format string, args ...interface{})
}

func (o PipeOptions) log(format string, args ...interface{}) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

// RunPipe drains vc's peer socket onto the control link as DATA
// frames, one frame per read chunk, until the peer socket errors, the
// queue stays full past PutTimeout (the VC is "stuck" and is dropped),
// a control-link write fails, or ctx is cancelled. In every exit path
// it emits CLOSE at most once, removes id from registry, and closes
// the peer socket — the teardown contract of spec.md §4.5.
func RunPipe(ctx context.Context, vc *VC, link *ControlLink, registry *Registry, opts PipeOptions) {
	queue := make(chan []byte, opts.QueueSize)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancellation unblocks a parked Read by closing the peer socket;
	// RunPipe's own teardown below closes it again, which is fine —
	// net.Conn.Close is idempotent-safe to call twice for our purposes
	// since a second Close just returns an error we ignore.
	go func() {
		<-ctx.Done()
		vc.Conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(queue)
		readLoop(ctx, vc, opts, queue)
	}()

	go func() {
		defer wg.Done()
		writeLoop(vc, link, opts, queue)
	}()

	wg.Wait()
	teardown(vc, link, registry, opts)
}

func readLoop(ctx context.Context, vc *VC, opts PipeOptions, queue chan<- []byte) {
	buf := make([]byte, opts.ReadChunk)
	for {
		if opts.ReadTimeout > 0 {
			if err := vc.Conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout)); err != nil {
				return
			}
		}

		n, err := vc.Conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			timer := time.NewTimer(opts.PutTimeout)
			select {
			case queue <- chunk:
				timer.Stop()
			case <-timer.C:
				opts.log("vc %d: %v", vc.ID, errors.Wrapf(ErrQueueOverflow, "put exceeded %s, dropping connection", opts.PutTimeout))
				return
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// No bytes arrived within READ_TIMEOUT; this is a
				// normal idle period for long-lived services (SSH,
				// game servers) tunneled over a VC, not a failure.
				continue
			}
			return
		}
	}
}

func writeLoop(vc *VC, link *ControlLink, opts PipeOptions, queue <-chan []byte) {
	for chunk := range queue {
		if err := link.WriteFrame(frame.Data, vc.ID, chunk, opts.WriteTimeout); err != nil {
			opts.log("vc %d: control link write failed: %v", vc.ID, err)
			return
		}
		if opts.OnBytes != nil {
			opts.OnBytes(len(chunk))
		}
	}
}

func teardown(vc *VC, link *ControlLink, registry *Registry, opts PipeOptions) {
	if vc.MarkCloseSent() {
		if err := link.WriteFrame(frame.Close, vc.ID, nil, opts.WriteTimeout); err != nil {
			opts.log("vc %d: best-effort CLOSE send failed: %v", vc.ID, err)
		}
	}
	if _, ok := registry.Remove(vc.ID); ok && opts.OnClose != nil {
		opts.OnClose()
	}
	vc.Conn.Close()
}
