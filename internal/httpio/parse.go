// Package httpio is the minimal parser/responder collaborator behind the
// scheduler's activate contract. It assembles a request head from transport
// data events and delivers fixed responses with ack-driven progress
// tracking. It is deliberately not a wire-compliant HTTP implementation:
// request line, headers, nothing else.
package httpio

import (
	"bytes"
	"errors"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/femtoweb/femtoweb/internal/sched"
)

// DefaultMaxHeadBytes bounds how much head material a connection may send
// before it is dropped. Small on purpose; the whole point of the server is
// refusing unaffordable work early.
const DefaultMaxHeadBytes = 4096

var (
	// ErrHeadTooLarge reports a request head exceeding the configured bound.
	ErrHeadTooLarge = errors.New("httpio: request head too large")
	// ErrMalformedHead reports an unparseable request line or header block.
	ErrMalformedHead = errors.New("httpio: malformed request head")
)

var headTerminator = []byte("\r\n\r\n")

// Parser accumulates transport data until a request head is complete, then
// fills in the request's method, path, parameters and headers.
type Parser struct {
	req     *sched.Request
	maxHead int
	buf     []byte
	done    bool
}

// NewParser returns a parser bound to r. maxHead <= 0 selects
// DefaultMaxHeadBytes.
func NewParser(r *sched.Request, maxHead int) *Parser {
	if maxHead <= 0 {
		maxHead = DefaultMaxHeadBytes
	}
	return &Parser{req: r, maxHead: maxHead}
}

// Feed consumes bytes from the transport. It reports ready once the head
// terminator has been seen and the request fields are populated. Data after
// the terminator (a body, a pipelined request) is ignored.
func (p *Parser) Feed(data []byte) (ready bool, err error) {
	if p.done {
		return true, nil
	}
	if len(p.buf)+len(data) > p.maxHead {
		return false, ErrHeadTooLarge
	}
	p.buf = append(p.buf, data...)
	end := bytes.Index(p.buf, headTerminator)
	if end < 0 {
		return false, nil
	}
	if err := p.parseHead(string(p.buf[:end])); err != nil {
		return false, err
	}
	p.done = true
	p.buf = nil
	return true, nil
}

func (p *Parser) parseHead(head string) error {
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return ErrMalformedHead
	}
	parts := strings.Split(lines[0], " ")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return ErrMalformedHead
	}
	method := parts[0]
	target := parts[1]
	if method == "" || !strings.HasPrefix(target, "/") {
		return ErrMalformedHead
	}

	path := target
	params := url.Values{}
	if q := strings.IndexByte(target, '?'); q >= 0 {
		path = target[:q]
		if vals, err := url.ParseQuery(target[q+1:]); err == nil {
			params = vals
		}
	}
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}

	header := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return ErrMalformedHead
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:colon]))
		header[key] = strings.TrimSpace(line[colon+1:])
	}

	p.req.Method = method
	p.req.RawPath = target
	p.req.Path = path
	p.req.Params = params
	p.req.Header = header
	return nil
}
