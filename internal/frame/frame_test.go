package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		id      uint32
		payload []byte
	}{
		{"ping, zero id, empty payload", Ping, 0, nil},
		{"data, small payload", Data, 42, []byte("hello")},
		{"data, max payload", Data, maxConnID, bytes.Repeat([]byte{0xAB}, MaxPayload)},
		{"close, empty payload", Close, 1, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			packed, err := Pack(c.typ, c.id, c.payload)
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}

			gotType, gotID, gotPayload, err := Unpack(bytes.NewReader(packed))
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if gotType != c.typ {
				t.Errorf("type = %d, want %d", gotType, c.typ)
			}
			if gotID != c.id {
				t.Errorf("id = %d, want %d", gotID, c.id)
			}
			if !bytes.Equal(gotPayload, c.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d bytes", len(gotPayload), len(c.payload))
			}

			repacked, err := Pack(gotType, gotID, gotPayload)
			if err != nil {
				t.Fatalf("re-Pack: %v", err)
			}
			if !bytes.Equal(packed, repacked) {
				t.Errorf("pack(unpack(x)) != x")
			}
		})
	}
}

func TestPackRejectsOversizedPayload(t *testing.T) {
	_, err := Pack(Data, 1, make([]byte, MaxPayload+1))
	if errors.Cause(err) != ErrProtocol {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestPackRejectsUnknownType(t *testing.T) {
	for _, typ := range []Type{0, 6, 255} {
		if _, err := Pack(typ, 1, nil); errors.Cause(err) != ErrProtocol {
			t.Errorf("type %d: err = %v, want ErrProtocol", typ, err)
		}
	}
}

func TestPackRejectsOversizedConnID(t *testing.T) {
	if _, err := Pack(Data, maxConnID, nil); err != nil {
		t.Fatalf("2^31-1 should be accepted: %v", err)
	}
	if _, err := Pack(Data, maxConnID+1, nil); errors.Cause(err) != ErrProtocol {
		t.Fatalf("2^31 should be rejected, got %v", err)
	}
}

func TestUnpackRejectsUnknownType(t *testing.T) {
	header := []byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0}
	_, _, _, err := Unpack(bytes.NewReader(header))
	if errors.Cause(err) != ErrProtocol {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestUnpackIncompleteHeader(t *testing.T) {
	_, _, _, err := Unpack(bytes.NewReader([]byte{byte(Data), 0, 0}))
	if errors.Cause(err) != ErrIncompleteFrame {
		t.Fatalf("err = %v, want ErrIncompleteFrame", err)
	}
}

func TestUnpackIncompletePayload(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0] = byte(Data)
	PutUint32(header[5:9], 10) // claims 10 payload bytes, provides none
	_, _, _, err := Unpack(bytes.NewReader(header))
	if errors.Cause(err) != ErrIncompleteFrame {
		t.Fatalf("err = %v, want ErrIncompleteFrame", err)
	}
}

func TestUnpackCleanEOF(t *testing.T) {
	_, _, _, err := Unpack(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestUnpackRejectsOversizedLength(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0] = byte(Data)
	PutUint32(header[5:9], MaxPayload+1)
	_, _, _, err := Unpack(bytes.NewReader(header))
	if errors.Cause(err) != ErrProtocol {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}
