package httpio

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/femtoweb/femtoweb/internal/sched"
)

// ResponseWriter delivers one fixed response over the request's transport
// connection, feeding more bytes as acknowledgements arrive and completing
// the request once everything is acked. Responses always close the
// connection; the admission model is one request per connection.
type ResponseWriter struct {
	req *sched.Request

	mu      sync.Mutex
	pending []byte
	total   int
	acked   int
	pumping bool
	done    bool
}

// NewResponseWriter returns a writer for r.
func NewResponseWriter(r *sched.Request) *ResponseWriter {
	return &ResponseWriter{req: r}
}

// WriteResponse builds the head for status/contentType/body and starts
// delivery. Must be called at most once.
func (w *ResponseWriter) WriteResponse(status int, contentType string, body []byte) {
	head := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, http.StatusText(status), contentType, len(body))

	progress := &sched.ResponseProgress{}
	progress.Update(func(p *sched.ResponseProgress) {
		p.Head = len(head)
		p.Content = len(body)
	})
	w.req.Response = progress

	w.mu.Lock()
	w.pending = append([]byte(head), body...)
	w.total = len(w.pending)
	w.mu.Unlock()

	w.req.Conn().OnAck(w.ack)
	w.pump()
}

// WriteText responds with a plain-text body.
func (w *ResponseWriter) WriteText(status int, body string) {
	w.WriteResponse(status, "text/plain; charset=utf-8", []byte(body))
}

// pump pushes pending bytes at the transport. The transport may report acks
// synchronously from inside Write; the pumping flag keeps that reentrancy
// from writing the same bytes twice.
func (w *ResponseWriter) pump() {
	w.mu.Lock()
	if w.pumping || w.done {
		w.mu.Unlock()
		return
	}
	w.pumping = true
	w.mu.Unlock()

	for {
		w.mu.Lock()
		chunk := w.pending
		if len(chunk) == 0 {
			w.pumping = false
			w.mu.Unlock()
			w.maybeFinish()
			return
		}
		w.mu.Unlock()

		n := w.req.Conn().Write(chunk)
		if n == 0 {
			w.mu.Lock()
			w.pumping = false
			w.mu.Unlock()
			w.fail()
			return
		}

		w.mu.Lock()
		w.pending = w.pending[n:]
		short := len(w.pending) > 0 && n < len(chunk)
		if w.req.Response != nil {
			w.req.Response.Update(func(p *sched.ResponseProgress) {
				p.Sent += n
				p.Written += n
			})
		}
		if short {
			// Transport backpressure; resume when acks free space.
			w.pumping = false
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
	}
}

func (w *ResponseWriter) ack(n int) {
	w.mu.Lock()
	w.acked += n
	pendingLeft := len(w.pending)
	pumping := w.pumping
	w.mu.Unlock()

	if w.req.Response != nil {
		w.req.Response.Update(func(p *sched.ResponseProgress) {
			p.Acked += n
		})
	}
	if pendingLeft > 0 {
		if !pumping {
			w.pump()
		}
		return
	}
	w.maybeFinish()
}

func (w *ResponseWriter) maybeFinish() {
	w.mu.Lock()
	if w.done || len(w.pending) > 0 || w.acked < w.total {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.mu.Unlock()

	conn := w.req.Conn()
	conn.OnAck(nil)
	conn.Close()
	w.req.Complete()
}

func (w *ResponseWriter) fail() {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.mu.Unlock()

	w.req.Conn().Abort()
	w.req.Complete()
}
