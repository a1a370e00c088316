package tunnel

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Kartoshka2331/nigarok/internal/frame"
)

// ControlLink wraps the single persistent TCP connection a session's
// frames travel over. Writes are serialized behind writeMu so that a
// pack+write+drain tuple never interleaves with another writer's bytes
// on the wire, per spec.md §5.
type ControlLink struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// NewControlLink wraps conn.
func NewControlLink(conn net.Conn) *ControlLink {
	return &ControlLink{conn: conn}
}

// Close closes the underlying connection.
func (c *ControlLink) Close() error { return c.conn.Close() }

// RemoteAddr reports the peer address of the underlying connection.
func (c *ControlLink) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// WriteFrame packs and writes a single frame within writeTimeout. The
// frame is packed first; writeMu is then held across setting the write
// deadline and writing the whole frame.
func (c *ControlLink) WriteFrame(t frame.Type, id uint32, payload []byte, writeTimeout time.Duration) error {
	buf, err := frame.Pack(t, id, payload)
	if err != nil {
		return errors.Wrap(err, "pack frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return errors.Wrap(ErrTransport, err.Error())
		}
	}
	if _, err := c.conn.Write(buf); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return nil
}

// ReadFrame reads a single frame within readTimeout. A timeout is
// reported via the returned error so frame-loop callers can tell it
// apart from a hard transport failure (net.Error.Timeout()).
func (c *ControlLink) ReadFrame(readTimeout time.Duration) (frame.Type, uint32, []byte, error) {
	if readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return 0, 0, nil, errors.Wrap(ErrTransport, err.Error())
		}
	}
	return frame.Unpack(c.conn)
}
