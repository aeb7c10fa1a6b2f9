package routing

import (
	"strings"
	"sync"

	"github.com/femtoweb/femtoweb/internal/httpio"
	"github.com/femtoweb/femtoweb/internal/sched"
)

// Handler processes requests it declares interest in. Filter is the
// caller-supplied gate (network, auth, anything outside the request line);
// CanHandle is the handler's own match on method and path. Both must hold
// for the handler to be bound.
type Handler interface {
	Filter(r *sched.Request) bool
	CanHandle(r *sched.Request) bool
	Serve(r *sched.Request)
}

// FilterFunc is a caller-supplied admission filter for a handler.
type FilterFunc func(r *sched.Request) bool

// RequestFunc is the user callback invoked when a callback handler serves a
// request.
type RequestFunc func(w *httpio.ResponseWriter, r *sched.Request)

// MethodSet is a bitmask of HTTP methods a handler accepts. The zero value
// accepts any method.
type MethodSet uint16

// Method bits.
const (
	MethodGet MethodSet = 1 << iota
	MethodPost
	MethodPut
	MethodDelete
	MethodHead
	MethodPatch
	MethodOptions

	// MethodAny matches every method.
	MethodAny MethodSet = 0
)

var methodBits = map[string]MethodSet{
	"GET":     MethodGet,
	"POST":    MethodPost,
	"PUT":     MethodPut,
	"DELETE":  MethodDelete,
	"HEAD":    MethodHead,
	"PATCH":   MethodPatch,
	"OPTIONS": MethodOptions,
}

// Accepts reports whether the set admits the named method.
func (m MethodSet) Accepts(method string) bool {
	if m == MethodAny {
		return true
	}
	bit, ok := methodBits[method]
	if !ok {
		return false
	}
	return m&bit != 0
}

// HandlerChain holds the registered handlers plus the catch-all. Dispatch
// binds the first handler whose filter and match both succeed; when none
// do, the catch-all is bound and the request is marked as having an
// unconstrained header interest set.
type HandlerChain struct {
	mu       sync.RWMutex
	handlers []Handler
	catchAll Handler
}

// NewHandlerChain constructs a chain with the supplied catch-all.
func NewHandlerChain(catchAll Handler) *HandlerChain {
	return &HandlerChain{catchAll: catchAll}
}

// Add appends a handler and returns it.
func (c *HandlerChain) Add(h Handler) Handler {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
	return h
}

// Remove drops a previously added handler.
func (c *HandlerChain) Remove(h Handler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, have := range c.handlers {
		if have == h {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Reset removes all registered handlers, keeping the catch-all.
func (c *HandlerChain) Reset() {
	c.mu.Lock()
	c.handlers = nil
	c.mu.Unlock()
}

// Dispatch selects and returns the handler bound to r.
func (c *HandlerChain) Dispatch(r *sched.Request) Handler {
	c.mu.RLock()
	handlers := c.handlers
	catchAll := c.catchAll
	c.mu.RUnlock()
	for _, h := range handlers {
		if h.Filter(r) && h.CanHandle(r) {
			return h
		}
	}
	r.AnyHeaderInterest = true
	return catchAll
}

// CallbackHandler dispatches matching requests to a user callback. A path
// ending in '*' matches by prefix; an empty path matches everything, which
// is how the catch-all is built.
type CallbackHandler struct {
	path    string
	methods MethodSet
	filter  FilterFunc

	mu sync.RWMutex
	fn RequestFunc
}

// NewCallbackHandler constructs a callback handler for path and methods.
func NewCallbackHandler(path string, methods MethodSet, fn RequestFunc) *CallbackHandler {
	return &CallbackHandler{path: path, methods: methods, fn: fn}
}

// SetFilter installs a caller-supplied filter. Returns the handler for
// chaining.
func (h *CallbackHandler) SetFilter(f FilterFunc) *CallbackHandler {
	h.filter = f
	return h
}

// SetFunc replaces the user callback. A nil callback makes the handler
// respond 404, which is the catch-all's default behaviour.
func (h *CallbackHandler) SetFunc(fn RequestFunc) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

// Filter runs the caller-supplied filter, defaulting to accept.
func (h *CallbackHandler) Filter(r *sched.Request) bool {
	if h.filter == nil {
		return true
	}
	return h.filter(r)
}

// CanHandle matches method and path.
func (h *CallbackHandler) CanHandle(r *sched.Request) bool {
	if !h.methods.Accepts(r.Method) {
		return false
	}
	if h.path == "" {
		return true
	}
	if strings.HasSuffix(h.path, "*") {
		return strings.HasPrefix(r.Path, strings.TrimSuffix(h.path, "*"))
	}
	return r.Path == h.path
}

// Serve invokes the callback, or answers 404 when none is set.
func (h *CallbackHandler) Serve(r *sched.Request) {
	h.mu.RLock()
	fn := h.fn
	h.mu.RUnlock()
	w := httpio.NewResponseWriter(r)
	if fn == nil {
		w.WriteText(404, "Not Found\n")
		return
	}
	fn(w, r)
}
