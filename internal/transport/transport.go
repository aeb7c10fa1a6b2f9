// Package transport defines the narrow contract the admission core holds on
// the byte-stream layer: event callbacks in (connection, data, ack,
// disconnect) and a handful of socket controls out. The core never blocks on
// transport I/O; everything it learns arrives through callbacks.
package transport

import (
	"net"
	"time"
)

// DataFunc receives bytes read from the peer. The slice is only valid for
// the duration of the call.
type DataFunc func(p []byte)

// AckFunc is invoked when the peer has acknowledged n response bytes.
type AckFunc func(n int)

// Conn is a single transport connection as seen by the admission core.
//
// Callback registration replaces any previous callback; registering nil
// clears it. Clearing OnData stops delivery of further reads.
type Conn interface {
	// Write hands p to the transport and returns how many bytes it
	// accepted. Zero means the transport could not take any data; there
	// is no partial-failure error value.
	Write(p []byte) int
	// Close shuts the connection down after pending writes flush.
	Close()
	// Abort tears the connection down immediately, discarding pending
	// writes.
	Abort()
	SetReadTimeout(d time.Duration)
	SetNoDelay(enable bool)
	OnData(fn DataFunc)
	OnAck(fn AckFunc)
	OnDisconnect(fn func())
	RemoteAddr() net.Addr
}

// ConnFunc receives newly accepted connections.
type ConnFunc func(c Conn)
