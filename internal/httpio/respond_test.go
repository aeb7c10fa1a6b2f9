package httpio

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/femtoweb/femtoweb/internal/clock"
	"github.com/femtoweb/femtoweb/internal/heapmon"
	"github.com/femtoweb/femtoweb/internal/sched"
	"github.com/femtoweb/femtoweb/internal/transport"
)

// stubConn is a recording transport.Conn with a settable write cap.
type stubConn struct {
	mu         sync.Mutex
	written    []byte
	writeLimit int // -1 accepts everything
	closed     bool
	aborted    bool
	onAck      transport.AckFunc
}

func newStubConn() *stubConn { return &stubConn{writeLimit: -1} }

func (c *stubConn) Write(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(p)
	if c.writeLimit >= 0 && n > c.writeLimit {
		n = c.writeLimit
	}
	c.written = append(c.written, p[:n]...)
	return n
}

func (c *stubConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *stubConn) Abort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
}

func (c *stubConn) SetReadTimeout(time.Duration) {}
func (c *stubConn) SetNoDelay(bool)              {}
func (c *stubConn) OnData(transport.DataFunc)    {}
func (c *stubConn) OnDisconnect(func())          {}

func (c *stubConn) OnAck(fn transport.AckFunc) {
	c.mu.Lock()
	c.onAck = fn
	c.mu.Unlock()
}

func (c *stubConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40001}
}

func (c *stubConn) ackCallback() transport.AckFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onAck
}

func (c *stubConn) writtenString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.written)
}

func (c *stubConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func admitRequest(t *testing.T, conn transport.Conn) (*sched.Scheduler, *sched.Request) {
	t.Helper()
	s := sched.New(sched.Config{
		Heap:   heapmon.NewStatic(1<<20, 1<<19),
		Clock:  clock.NewManual(time.Unix(1700000000, 0)),
		Logger: pslog.NoopLogger(),
	}, sched.ActivatorFunc(func(*sched.Request) bool { return true }))
	r := s.Admit(conn)
	if r == nil {
		t.Fatalf("admission failed")
	}
	return s, r
}

func TestWriteResponseDeliversAndCompletes(t *testing.T) {
	t.Parallel()
	conn := newStubConn()
	s, r := admitRequest(t, conn)

	w := NewResponseWriter(r)
	w.WriteText(200, "hello")

	out := conn.writtenString()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected head: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 5\r\n") {
		t.Fatalf("missing content length: %q", out)
	}
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Fatalf("missing close header: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nhello") {
		t.Fatalf("missing body: %q", out)
	}
	if conn.isClosed() {
		t.Fatalf("connection closed before ack")
	}

	// Full acknowledgement finishes the request and frees the queue slot.
	conn.ackCallback()(len(out))
	if !conn.isClosed() {
		t.Fatalf("expected close after full ack")
	}
	if s.NumClients() != 0 {
		t.Fatalf("expected request dequeued, have %d", s.NumClients())
	}
}

func TestWriteResponseTracksProgress(t *testing.T) {
	t.Parallel()
	conn := newStubConn()
	_, r := admitRequest(t, conn)

	w := NewResponseWriter(r)
	w.WriteResponse(404, "text/plain; charset=utf-8", []byte("missing"))

	if r.Response == nil {
		t.Fatalf("expected response progress attached")
	}
	head, content, sent, acked, written := r.Response.Snapshot()
	if content != len("missing") {
		t.Fatalf("content = %d", content)
	}
	if sent != head+content || written != sent {
		t.Fatalf("sent=%d written=%d head=%d content=%d", sent, written, head, content)
	}
	if acked != 0 {
		t.Fatalf("acked before any ack: %d", acked)
	}

	conn.ackCallback()(head + content)
	_, _, _, acked, _ = r.Response.Snapshot()
	if acked != head+content {
		t.Fatalf("acked = %d, want %d", acked, head+content)
	}
}

func TestWriteResponseResumesAfterPartialWrite(t *testing.T) {
	t.Parallel()
	conn := newStubConn()
	conn.writeLimit = 10
	s, r := admitRequest(t, conn)

	w := NewResponseWriter(r)
	w.WriteText(200, "0123456789")

	first := conn.writtenString()
	if len(first) != 10 {
		t.Fatalf("expected 10 bytes through the capped transport, got %d", len(first))
	}

	// Each ack frees transport space and pumps the next chunk.
	conn.mu.Lock()
	conn.writeLimit = -1
	conn.mu.Unlock()
	conn.ackCallback()(10)

	out := conn.writtenString()
	if !strings.HasSuffix(out, "0123456789") {
		t.Fatalf("expected full body delivered, got %q", out)
	}
	conn.ackCallback()(len(out) - 10)
	if !conn.isClosed() {
		t.Fatalf("expected close after final ack")
	}
	if s.NumClients() != 0 {
		t.Fatalf("expected request dequeued")
	}
}

func TestWriteResponseAbortsOnDeadTransport(t *testing.T) {
	t.Parallel()
	conn := newStubConn()
	conn.writeLimit = 0
	s, r := admitRequest(t, conn)

	w := NewResponseWriter(r)
	w.WriteText(200, "unreachable")

	conn.mu.Lock()
	aborted := conn.aborted
	conn.mu.Unlock()
	if !aborted {
		t.Fatalf("expected abort when transport takes nothing")
	}
	if s.NumClients() != 0 {
		t.Fatalf("expected request dequeued on failure")
	}
}
