package femtoweb

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"pkt.systems/pslog"

	"github.com/femtoweb/femtoweb/internal/clock"
	"github.com/femtoweb/femtoweb/internal/heapmon"
	"github.com/femtoweb/femtoweb/internal/httpio"
	"github.com/femtoweb/femtoweb/internal/logutil"
	"github.com/femtoweb/femtoweb/internal/routing"
	"github.com/femtoweb/femtoweb/internal/sched"
	"github.com/femtoweb/femtoweb/internal/transport"
)

// Public names for the handler-facing types, so callers never need the
// internal packages.
type (
	// Request is one admitted request.
	Request = sched.Request
	// ResponseWriter delivers a response for a request.
	ResponseWriter = httpio.ResponseWriter
	// Handler is a member of the handler chain.
	Handler = routing.Handler
	// RequestFunc is a user callback serving a request.
	RequestFunc = routing.RequestFunc
	// FilterFunc gates a handler on anything beyond method and path.
	FilterFunc = routing.FilterFunc
	// MethodSet is a bitmask of accepted HTTP methods.
	MethodSet = routing.MethodSet
	// Rule is a member of the rewrite chain.
	Rule = routing.Rule
)

// Method bits accepted by On.
const (
	MethodGet     = routing.MethodGet
	MethodPost    = routing.MethodPost
	MethodPut     = routing.MethodPut
	MethodDelete  = routing.MethodDelete
	MethodHead    = routing.MethodHead
	MethodPatch   = routing.MethodPatch
	MethodOptions = routing.MethodOptions
	MethodAny     = routing.MethodAny
)

// Server is the admission-controlled web server: a TCP accept loop feeding
// the admission gate, a request queue drained as memory allows, and the
// rewrite/handler chains that route whatever gets through.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	heap     heapmon.Monitor
	clock    clock.Clock
	sched    *sched.Scheduler
	rewrites *routing.RewriteChain
	handlers *routing.HandlerChain
	catchAll *routing.CallbackHandler
	tcp      *transport.TCPServer

	mu        sync.Mutex
	listener  net.Listener
	telemetry *telemetryBundle
	started   bool
	closed    bool
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Monitor  heapmon.Monitor
	Clock    clock.Clock
	Listener net.Listener
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithMonitor injects a heap monitor (useful for tests and for platforms
// with real allocator introspection).
func WithMonitor(m heapmon.Monitor) Option {
	return func(o *options) { o.Monitor = m }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithListener serves on a pre-built listener instead of binding
// cfg.Listen.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.Listener = ln }
}

// New constructs a server according to cfg.
// Example:
//
//	cfg := femtoweb.Config{Listen: ":8080", Limits: femtoweb.QueueLimits{MaxQueueDepth: 8}}
//	srv, err := femtoweb.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logutil.Ensure(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	monitor := o.Monitor
	if monitor == nil {
		monitor = heapmon.NewSampled(cfg.MemoryBudget, clk)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		heap:     monitor,
		clock:    clk,
		rewrites: &routing.RewriteChain{},
		catchAll: routing.NewCallbackHandler("", MethodAny, nil),
		listener: o.Listener,
	}
	s.handlers = routing.NewHandlerChain(s.catchAll)
	s.sched = sched.New(sched.Config{
		HeapFloor:   cfg.HeapFloor,
		AllocFloor:  cfg.AllocFloor,
		ReadTimeout: cfg.ReadTimeout,
		Slots:       cfg.QueueSlots,
		Heap:        monitor,
		Clock:       clk,
		Logger:      logger,
	}, sched.ActivatorFunc(s.activate))
	s.sched.SetLimits(schedLimits(cfg.Limits))
	s.tcp = transport.NewTCPServer(s.handleConn, logger)

	telemetry, err := setupTelemetry(cfg, logutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s.telemetry = telemetry
	return s, nil
}

// Start binds the listener (unless one was injected) and serves until
// Shutdown. Blocking, like http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("femtoweb: server closed")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("femtoweb: already started")
	}
	s.started = true
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		var err error
		ln, err = net.Listen(s.cfg.ListenProto, s.cfg.Listen)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
	}
	s.logger.Info("femtoweb.server.listening",
		"proto", s.cfg.ListenProto,
		"addr", ln.Addr().String())
	s.sched.Start()
	return s.tcp.Serve(ln)
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, halts the drain loop, and tears down telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	telemetry := s.telemetry
	ln := s.listener
	s.mu.Unlock()

	if started {
		s.tcp.Close()
		s.sched.Stop()
	} else if ln != nil {
		_ = ln.Close()
	}
	if telemetry != nil {
		return telemetry.Shutdown(ctx)
	}
	return nil
}

// handleConn runs for every accepted connection: admission first, then the
// parser is attached so the request can reach the queued state.
func (s *Server) handleConn(c transport.Conn) {
	r := s.sched.Admit(c)
	if r == nil {
		return
	}
	parser := httpio.NewParser(r, s.cfg.MaxHeadBytes)
	c.OnDisconnect(func() {
		r.Complete()
	})
	c.OnData(func(b []byte) {
		ready, err := parser.Feed(b)
		if err != nil {
			s.logger.Warn("femtoweb.server.bad_head",
				"remote", c.RemoteAddr(),
				"error", err)
			c.Abort()
			r.Complete()
			return
		}
		if ready {
			c.OnData(nil)
			if err := r.MarkReady(); err != nil {
				s.logger.Error("femtoweb.server.mark_ready", "error", err)
			}
		}
	})
}

// activate is the scheduler's hand-off into routing: rewrites fire first,
// then exactly one handler is bound and run.
func (s *Server) activate(r *sched.Request) bool {
	s.rewrites.Apply(r)
	h := s.handlers.Dispatch(r)
	h.Serve(r)
	return true
}

// On registers a callback handler for path and methods and returns it for
// further configuration (filters). A path ending in '*' matches by prefix.
func (s *Server) On(path string, methods MethodSet, fn RequestFunc) *routing.CallbackHandler {
	h := routing.NewCallbackHandler(path, methods, fn)
	s.handlers.Add(h)
	return h
}

// NotFound configures the catch-all callback.
func (s *Server) NotFound(fn RequestFunc) {
	s.catchAll.SetFunc(fn)
}

// ServeStatic serves files from root for request paths under prefix. No
// caching headers are emitted.
func (s *Server) ServeStatic(prefix, root string) *routing.StaticHandler {
	h := routing.NewStaticHandler(prefix, root)
	s.handlers.Add(h)
	return h
}

// AddHandler appends h to the handler chain.
func (s *Server) AddHandler(h Handler) Handler {
	return s.handlers.Add(h)
}

// RemoveHandler drops a previously added handler.
func (s *Server) RemoveHandler(h Handler) bool {
	return s.handlers.Remove(h)
}

// Rewrite registers a from -> to path rewrite and returns the rule.
func (s *Server) Rewrite(from, to string) Rule {
	return s.rewrites.Add(routing.NewPathRewrite(from, to))
}

// AddRewrite appends a rewrite rule.
func (s *Server) AddRewrite(rule Rule) Rule {
	return s.rewrites.Add(rule)
}

// RemoveRewrite drops a previously added rule.
func (s *Server) RemoveRewrite(rule Rule) bool {
	return s.rewrites.Remove(rule)
}

// Reset removes all rewrites and handlers and clears the catch-all
// callback.
func (s *Server) Reset() {
	s.rewrites.Reset()
	s.handlers.Reset()
	s.catchAll.SetFunc(nil)
}

// SetQueueLimits replaces the admission thresholds at runtime. Applies to
// future admission and drain decisions only.
func (s *Server) SetQueueLimits(l QueueLimits) {
	s.sched.SetLimits(schedLimits(l))
}

// QueueLimits returns the current admission thresholds.
func (s *Server) QueueLimits() QueueLimits {
	l := s.sched.Limits()
	return QueueLimits{
		MaxQueueDepth:         l.MaxQueueDepth,
		MinFreeHeapToQueue:    l.MinFreeHeapToQueue,
		MaxConcurrentActive:   l.MaxConcurrentActive,
		MinFreeHeapToActivate: l.MinFreeHeapToActivate,
	}
}

// NumClients returns how many requests the queue holds.
func (s *Server) NumClients() int { return s.sched.NumClients() }

// QueueLength returns how many requests are queued or deferred.
func (s *Server) QueueLength() int { return s.sched.QueueLength() }

// ActiveCount returns how many requests are active.
func (s *Server) ActiveCount() int { return s.sched.ActiveCount() }

// PrintStatus writes a human-readable queue snapshot to w.
func (s *Server) PrintStatus(w io.Writer) error {
	return s.sched.PrintStatus(w)
}

func schedLimits(l QueueLimits) sched.Limits {
	return sched.Limits{
		MaxQueueDepth:         l.MaxQueueDepth,
		MinFreeHeapToQueue:    l.MinFreeHeapToQueue,
		MaxConcurrentActive:   l.MaxConcurrentActive,
		MinFreeHeapToActivate: l.MinFreeHeapToActivate,
	}
}
