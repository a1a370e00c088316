package tunnel

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Kartoshka2331/nigarok/internal/accounts"
	"github.com/Kartoshka2331/nigarok/internal/allocator"
	"github.com/Kartoshka2331/nigarok/internal/frame"
)

type unpackResult struct {
	typ     frame.Type
	id      uint32
	payload []byte
	err     error
}

func unpackWithTimeout(t *testing.T, conn net.Conn, d time.Duration) unpackResult {
	t.Helper()
	ch := make(chan unpackResult, 1)
	go func() {
		typ, id, payload, err := frame.Unpack(conn)
		ch <- unpackResult{typ, id, payload, err}
	}()
	select {
	case r := <-ch:
		return r
	case <-time.After(d):
		t.Fatalf("timed out waiting for a frame")
		return unpackResult{}
	}
}

func startTestServer(t *testing.T) (addr string, alloc *allocator.Allocator, shutdown func()) {
	t.Helper()
	verifier := accounts.New([]accounts.Account{{Login: "alice", Password: "hunter2"}})
	alloc = allocator.New(30000, 30010)
	srv := NewServer(ServerOptions{
		PublicBindHost: "127.0.0.1",
		Verifier:       verifier,
		Allocator:      alloc,
		Quiet:          true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)

	return ln.Addr().String(), alloc, func() {
		cancel()
		ln.Close()
	}
}

func TestServerSessionRealDialectProvisionsAndTunnels(t *testing.T) {
	addr, _, shutdown := startTestServer(t)
	defer shutdown()

	link, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial control link: %v", err)
	}
	defer link.Close()

	if _, err := link.Write([]byte("alice:hunter2\n")); err != nil {
		t.Fatalf("write auth line: %v", err)
	}

	ack := unpackWithTimeout(t, link, 2*time.Second)
	if ack.err != nil {
		t.Fatalf("unpack ack: %v", ack.err)
	}
	if ack.typ != frame.NewConnection || ack.id != 0 || len(ack.payload) != 4 {
		t.Fatalf("got ack (%d, %d, len=%d), want (NewConnection, 0, len=4)", ack.typ, ack.id, len(ack.payload))
	}
	port := frame.Uint32(ack.payload)

	external, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("Dial public port: %v", err)
	}
	defer external.Close()

	announce := unpackWithTimeout(t, link, 2*time.Second)
	if announce.err != nil {
		t.Fatalf("unpack announce: %v", announce.err)
	}
	if announce.typ != frame.NewConnection || announce.id == 0 {
		t.Fatalf("got announce (%d, %d), want (NewConnection, nonzero)", announce.typ, announce.id)
	}
	vcID := announce.id

	if _, err := external.Write([]byte("ping")); err != nil {
		t.Fatalf("write to external: %v", err)
	}
	data := unpackWithTimeout(t, link, 2*time.Second)
	if data.err != nil {
		t.Fatalf("unpack data: %v", data.err)
	}
	if data.typ != frame.Data || data.id != vcID || string(data.payload) != "ping" {
		t.Fatalf("got frame (%d, %d, %q), want (Data, %d, ping)", data.typ, data.id, data.payload, vcID)
	}

	buf, err := frame.Pack(frame.Data, vcID, []byte("pong"))
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, err := link.Write(buf); err != nil {
		t.Fatalf("write data frame: %v", err)
	}

	external.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 4)
	if _, err := externalReadFull(external, reply); err != nil {
		t.Fatalf("read from external: %v", err)
	}
	if string(reply) != "pong" {
		t.Fatalf("got %q, want pong", reply)
	}

	external.Close()
	closeFrame := unpackWithTimeout(t, link, 2*time.Second)
	if closeFrame.err != nil {
		t.Fatalf("unpack close: %v", closeFrame.err)
	}
	if closeFrame.typ != frame.Close || closeFrame.id != vcID {
		t.Fatalf("got frame (%d, %d), want (Close, %d)", closeFrame.typ, closeFrame.id, vcID)
	}
}

func externalReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestServerSessionTestDialectNeverProvisions(t *testing.T) {
	addr, _, shutdown := startTestServer(t)
	defer shutdown()

	link, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer link.Close()

	if _, err := link.Write([]byte("__test__:alice:hunter2\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	link.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2)
	if _, err := externalReadFull(link, buf); err != nil {
		t.Fatalf("read OK: %v", err)
	}
	if string(buf) != "OK" {
		t.Fatalf("got %q, want OK", buf)
	}

	link.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	one := make([]byte, 1)
	if _, err := link.Read(one); err == nil {
		t.Fatalf("expected link to be closed after the test dialect response")
	}
}

func TestServerSessionRejectsBadCredentials(t *testing.T) {
	addr, _, shutdown := startTestServer(t)
	defer shutdown()

	link, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer link.Close()

	if _, err := link.Write([]byte("alice:wrong\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	link.SetReadDeadline(time.Now().Add(2 * time.Second))
	one := make([]byte, 1)
	if _, err := link.Read(one); err == nil {
		t.Fatalf("expected link to be closed after rejected credentials")
	}
}
