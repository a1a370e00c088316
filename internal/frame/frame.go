// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package frame implements the fixed-header wire format shared by the
// tunnel client and server: a 9-byte header (type, connection id,
// payload length) followed by the payload itself.
package frame

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
)

// Type identifies the kind of frame exchanged on the control link.
type Type byte

const (
	// Ping carries a client-chosen echo token, connection id 0.
	Ping Type = 1
	// Pong echoes a Ping's payload back to the client, connection id 0.
	Pong Type = 2
	// NewConnection announces a public port (id 0) or a freshly
	// demultiplexed virtual connection (nonzero id).
	NewConnection Type = 3
	// Data carries opaque payload bytes for an existing virtual connection.
	Data Type = 4
	// Close tears down a virtual connection; payload is always empty.
	Close Type = 5
)

const (
	typeSize   = 1
	idSize     = 4
	lengthSize = 4
	// HeaderSize is the fixed size, in bytes, of every frame header.
	HeaderSize = typeSize + idSize + lengthSize

	// MaxPayload is the largest payload a single frame may carry.
	MaxPayload = 65536

	// maxConnID is the largest connection id representable in the
	// 31 bits the wire format reserves (the top bit of the 4-byte
	// big-endian field must always be zero).
	maxConnID = 1<<31 - 1
)

// Sentinel errors returned by Pack and Unpack. Callers that need to
// distinguish a malformed frame from a truncated stream should compare
// against these with errors.Is / errors.Cause.
var (
	// ErrProtocol means the frame header or length violates the wire
	// format: an unknown type, a connection id with the top bit set,
	// or a payload longer than MaxPayload.
	ErrProtocol = errors.New("frame: protocol violation")
	// ErrIncompleteFrame means the underlying stream ended before a
	// full header or a full payload could be read.
	ErrIncompleteFrame = errors.New("frame: incomplete frame")
)

func validType(t Type) bool {
	switch t {
	case Ping, Pong, NewConnection, Data, Close:
		return true
	default:
		return false
	}
}

// Pack encodes type, id and payload into a single frame. It fails with
// ErrProtocol if t is not a known type, id exceeds the 31 bits the wire
// format reserves, or payload is longer than MaxPayload.
func Pack(t Type, id uint32, payload []byte) ([]byte, error) {
	if !validType(t) {
		return nil, errors.Wrapf(ErrProtocol, "unknown frame type %d", t)
	}
	if id > maxConnID {
		return nil, errors.Wrapf(ErrProtocol, "connection id %d exceeds 31 bits", id)
	}
	if len(payload) > MaxPayload {
		return nil, errors.Wrapf(ErrProtocol, "payload of %d bytes exceeds MaxPayload", len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], id)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Unpack reads exactly one frame from r: a 9-byte header, then
// len(payload) payload bytes. No partial frame is ever returned to the
// caller — on a short read it returns ErrIncompleteFrame, and on a
// malformed header it returns ErrProtocol. Two read errors are returned
// unwrapped instead: io.EOF when the stream ends before any header byte,
// and a net.Error read-deadline timeout.
func Unpack(r io.Reader) (t Type, id uint32, payload []byte, err error) {
	var header [HeaderSize]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			// Clean end of stream between frames; let the caller
			// treat this like any other read error on the control link.
			return 0, 0, nil, err
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// Surface the deadline timeout as-is so callers can tell it
			// apart from a genuinely truncated stream via net.Error.
			return 0, 0, nil, err
		}
		return 0, 0, nil, errors.Wrap(ErrIncompleteFrame, err.Error())
	}

	t = Type(header[0])
	if !validType(t) {
		return 0, 0, nil, errors.Wrapf(ErrProtocol, "unknown frame type %d", header[0])
	}
	id = binary.BigEndian.Uint32(header[1:5])
	if id > maxConnID {
		return 0, 0, nil, errors.Wrapf(ErrProtocol, "connection id %d exceeds 31 bits", id)
	}
	length := binary.BigEndian.Uint32(header[5:9])
	if length > MaxPayload {
		return 0, 0, nil, errors.Wrapf(ErrProtocol, "payload of %d bytes exceeds MaxPayload", length)
	}

	if length == 0 {
		return t, id, nil, nil
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, 0, nil, err
		}
		return 0, 0, nil, errors.Wrap(ErrIncompleteFrame, err.Error())
	}
	return t, id, payload, nil
}

// PutUint32 and Uint32 expose the big-endian encoding used for the
// NEW_CONNECTION port payload, so callers outside this package don't
// reach for encoding/binary directly.
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func Uint32(b []byte) uint32       { return binary.BigEndian.Uint32(b) }
