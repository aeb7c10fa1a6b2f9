package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/femtoweb/femtoweb/internal/logutil"
)

const readBufferSize = 2048

// TCPServer accepts TCP connections and surfaces them as Conn events.
type TCPServer struct {
	logger pslog.Logger
	onConn ConnFunc

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// NewTCPServer constructs a server delivering accepted connections to fn.
func NewTCPServer(fn ConnFunc, logger pslog.Logger) *TCPServer {
	return &TCPServer{
		logger: logutil.WithSubsystem(logger, "transport.tcp"),
		onConn: fn,
	}
}

// Serve accepts connections on ln until the listener fails or Close is
// called. Each accepted connection gets TCP_NODELAY and its own reader.
func (s *TCPServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		s.logger.Debug("femtoweb.transport.accepted", "remote", nc.RemoteAddr().String())
		c := newTCPConn(nc)
		s.onConn(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.readLoop()
		}()
	}
}

// Close stops accepting and waits for connection readers to drain.
func (s *TCPServer) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	s.logger.Debug("femtoweb.transport.closed")
}

// tcpConn adapts a net.Conn to the Conn contract. There is no portable way
// to observe TCP acknowledgements, so bytes are reported acked once the
// kernel accepts them.
type tcpConn struct {
	nc net.Conn

	mu           sync.Mutex
	onData       DataFunc
	onAck        AckFunc
	onDisconnect func()
	readTimeout  time.Duration
	closed       bool
	disconnected bool
}

func newTCPConn(nc net.Conn) *tcpConn {
	return &tcpConn{nc: nc}
}

func (c *tcpConn) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			c.fireDisconnect()
			return
		}
		timeout := c.readTimeout
		handler := c.onData
		c.mu.Unlock()

		if timeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(timeout))
		} else {
			_ = c.nc.SetReadDeadline(time.Time{})
		}
		n, err := c.nc.Read(buf)
		if n > 0 && handler != nil {
			handler(buf[:n])
		}
		if err != nil {
			_ = c.nc.Close()
			c.fireDisconnect()
			return
		}
	}
}

func (c *tcpConn) fireDisconnect() {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	fn := c.onDisconnect
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *tcpConn) Write(p []byte) int {
	n, err := c.nc.Write(p)
	if err != nil && n == 0 {
		return 0
	}
	c.mu.Lock()
	ack := c.onAck
	c.mu.Unlock()
	if ack != nil && n > 0 {
		ack(n)
	}
	return n
}

func (c *tcpConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.nc.Close()
}

func (c *tcpConn) Abort() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if tc, ok := c.nc.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = c.nc.Close()
}

func (c *tcpConn) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	c.readTimeout = d
	c.mu.Unlock()
}

func (c *tcpConn) SetNoDelay(enable bool) {
	if tc, ok := c.nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(enable)
	}
}

func (c *tcpConn) OnData(fn DataFunc) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

func (c *tcpConn) OnAck(fn AckFunc) {
	c.mu.Lock()
	c.onAck = fn
	c.mu.Unlock()
}

func (c *tcpConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}
