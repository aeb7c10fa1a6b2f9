// Package sched contains the admission gate and request-scheduling core: a
// slot-map queue of admitted requests, the single-flight drain loop that
// promotes queued requests to active as memory and concurrency budgets
// allow, and the zero-allocation rejection path for connections the device
// cannot afford.
package sched

import (
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/femtoweb/femtoweb/internal/clock"
	"github.com/femtoweb/femtoweb/internal/heapmon"
	"github.com/femtoweb/femtoweb/internal/logutil"
	"github.com/femtoweb/femtoweb/internal/transport"
)

// busyResponse is the canned rejection message. It lives in read-only
// storage and is copied onto the stack at send time; the rejection path
// performs no heap allocation on behalf of the client.
const busyResponse = "HTTP/1.1 503 Service Unavailable\r\nConnection: close\r\n"

// Limits are the four configurable admission thresholds. Zero means
// unconstrained. They may change at any time; each admission and each drain
// iteration reads a fresh copy under the queue lock.
type Limits struct {
	// MaxQueueDepth rejects new connections once the queue holds this
	// many requests.
	MaxQueueDepth int
	// MinFreeHeapToQueue rejects new connections while free heap is
	// below this figure.
	MinFreeHeapToQueue uint64
	// MaxConcurrentActive caps simultaneously active requests.
	MaxConcurrentActive int
	// MinFreeHeapToActivate pauses activation of additional requests
	// while free heap is below this figure. The first activation is
	// always allowed so a starved device still makes progress.
	MinFreeHeapToActivate uint64
}

// Activator is the narrow contract to the parser/handler layer. Activate
// hands over an admitted request; it may complete synchronously (the
// completion path re-enters the scheduler, which is safe) or return and
// finish later. A false return means the request cannot start yet and is
// parked as deferred for the remainder of the pass.
type Activator interface {
	Activate(r *Request) bool
}

// ActivatorFunc adapts a function to the Activator interface.
type ActivatorFunc func(r *Request) bool

// Activate implements Activator.
func (f ActivatorFunc) Activate(r *Request) bool { return f(r) }

// Config carries the scheduler's fixed settings. The platform floors are
// distinct from Limits: they are hardware-derived constants below which a
// connection is dropped without any response attempt.
type Config struct {
	// HeapFloor is the free-heap platform floor.
	HeapFloor uint64
	// AllocFloor is the largest-free-block platform floor.
	AllocFloor uint64
	// ReadTimeout is applied to admitted connections until the parser
	// layer takes over timeout handling.
	ReadTimeout time.Duration
	// Slots bounds the request slot map.
	Slots int
	Heap  heapmon.Monitor
	Clock clock.Clock
	Logger pslog.Logger
}

// Scheduler owns the request queue and runs the drain loop.
type Scheduler struct {
	cfg       Config
	heap      heapmon.Monitor
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *schedMetrics
	activator Activator

	mu     sync.Mutex
	queue  *requestQueue
	limits Limits

	// drainCh feeds the single drain consumer. Capacity one: concurrent
	// triggers collapse into the running pass plus at most one rerun.
	drainCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a scheduler. The activator must be set before Start via
// the act argument; cfg.Heap is required.
func New(cfg Config, act Activator) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 256
	}
	s := &Scheduler{
		cfg:       cfg,
		heap:      cfg.Heap,
		clock:     cfg.Clock,
		logger:    logutil.WithSubsystem(cfg.Logger, "core.sched"),
		activator: act,
		queue:     newRequestQueue(cfg.Slots),
		drainCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	s.metrics = newSchedMetrics(s.logger, s)
	return s
}

// Start launches the drain consumer goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh:
				return
			case <-s.drainCh:
				s.drainPass()
			}
		}
	}()
}

// Stop halts the drain consumer and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// SetLimits replaces the admission thresholds. Takes effect on the next
// admission or drain evaluation; already-active requests are unaffected.
func (s *Scheduler) SetLimits(l Limits) {
	s.mu.Lock()
	s.limits = l
	s.mu.Unlock()
	s.logger.Info("femtoweb.sched.limits",
		"max_queue_depth", l.MaxQueueDepth,
		"min_free_heap_to_queue", l.MinFreeHeapToQueue,
		"max_concurrent_active", l.MaxConcurrentActive,
		"min_free_heap_to_activate", l.MinFreeHeapToActivate)
	s.TriggerDrain()
}

// Limits returns the current admission thresholds.
func (s *Scheduler) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// NumClients returns the number of requests in the queue.
func (s *Scheduler) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// QueueLength returns how many requests are at or past the queued mark
// (queued or deferred), mirroring the original server's queue metric.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	s.queue.each(func(r *Request) {
		if r.state == StateQueued || r.state == StateDeferred {
			n++
		}
	})
	return n
}

// ActiveCount returns the number of requests currently active.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	s.queue.each(func(r *Request) {
		if r.state == StateActive {
			n++
		}
	})
	return n
}

// Admit runs the admission gate for a newly accepted connection. It returns
// the queued request, or nil when the connection was rejected or dropped.
// The caller must attach its parser to the connection before transport data
// starts flowing.
func (s *Scheduler) Admit(conn transport.Conn) *Request {
	free := s.heap.FreeBytes()
	block := s.heap.LargestFreeBlock()

	// Below the platform floor no response is attempted; building one
	// risks the very crash this check prevents.
	if (s.cfg.HeapFloor > 0 && free < s.cfg.HeapFloor) ||
		(s.cfg.AllocFloor > 0 && block < s.cfg.AllocFloor) {
		s.logger.Warn("femtoweb.sched.floor_drop",
			"remote", remoteString(conn),
			"free", free,
			"largest_block", block)
		s.metrics.recordAdmission(verdictFloorDrop)
		conn.Abort()
		return nil
	}

	s.mu.Lock()
	limits := s.limits
	depth := s.queue.len()
	if (limits.MaxQueueDepth > 0 && depth >= limits.MaxQueueDepth) ||
		(limits.MinFreeHeapToQueue > 0 && free < limits.MinFreeHeapToQueue) {
		s.mu.Unlock()
		s.logger.Info("femtoweb.sched.rejected",
			"remote", remoteString(conn),
			"depth", depth,
			"free", free)
		s.metrics.recordAdmission(verdictRejected)
		s.reject(conn)
		return nil
	}

	r := &Request{
		id:       xid.New(),
		conn:     conn,
		admitted: s.clock.Now(),
		sched:    s,
		state:    StateParsing,
	}
	if err := s.queue.add(r); err != nil {
		s.mu.Unlock()
		s.logger.Error("femtoweb.sched.enqueue_failed",
			"remote", remoteString(conn),
			"error", err)
		s.metrics.recordAdmission(verdictAllocFail)
		conn.Abort()
		return nil
	}
	s.mu.Unlock()

	conn.SetReadTimeout(s.cfg.ReadTimeout)
	s.metrics.recordAdmission(verdictAdmitted)
	return r
}

// reject answers with the canned 503 and arranges for the connection to die
// without ever allocating a request object.
func (s *Scheduler) reject(conn transport.Conn) {
	conn.SetNoDelay(true)
	conn.OnDisconnect(func() {})
	conn.OnAck(func(n int) {
		if n > 0 {
			conn.Close()
		}
	})
	conn.OnData(func([]byte) {
		// Client pipelined a request before our 503 got out; stop
		// reading and try the send again.
		conn.OnData(nil)
		s.send503(conn)
	})
	s.send503(conn)
}

func (s *Scheduler) send503(conn transport.Conn) bool {
	var buf [len(busyResponse)]byte
	copy(buf[:], busyResponse)
	n := conn.Write(buf[:])
	if n == 0 {
		// No fallback left.
		conn.Abort()
		return false
	}
	return true
}

// TriggerDrain requests a drain pass. Non-blocking; concurrent triggers
// coalesce into the pass already in flight.
func (s *Scheduler) TriggerDrain() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

// Complete removes r from the queue and triggers a drain pass. Every
// completion is an opportunity to admit more work. Invoked by the handler
// layer on response delivery and by the transport disconnect path.
func (s *Scheduler) Complete(r *Request) {
	s.mu.Lock()
	removed := s.queue.remove(r)
	s.mu.Unlock()
	if removed {
		s.metrics.recordCompletion()
		s.logger.Debug("femtoweb.sched.dequeued", "request", r.id.String())
	}
	s.TriggerDrain()
}

// drainPass promotes eligible queued requests to active until policy or
// memory says stop. Runs only on the drain consumer goroutine, which is the
// single-flight guarantee: triggers raised while it runs coalesce into the
// next channel receive instead of recursing.
func (s *Scheduler) drainPass() {
	for {
		// Heap state is re-queried fresh each iteration; a completed
		// request may have returned memory since the last check.
		free := s.heap.FreeBytes()
		block := s.heap.LargestFreeBlock()

		s.mu.Lock()
		limits := s.limits
		heapOK := limits.MinFreeHeapToActivate == 0 || free > limits.MinFreeHeapToActivate
		allocOK := s.cfg.AllocFloor == 0 || block > s.cfg.AllocFloor

		active := 0
		var candidate *Request
		s.queue.each(func(r *Request) {
			switch r.state {
			case StateActive:
				active++
			case StateQueued:
				if candidate == nil || r.seq < candidate.seq {
					candidate = r
				}
			}
		})

		if candidate == nil {
			s.mu.Unlock()
			break
		}
		if limits.MaxConcurrentActive > 0 && active >= limits.MaxConcurrentActive {
			candidate.state = StateDeferred
			s.mu.Unlock()
			s.metrics.recordDeferral()
			break
		}
		if active > 0 && (!heapOK || !allocOK) {
			// Never add concurrent work while memory is tight, but
			// never refuse the very first request either.
			candidate.state = StateDeferred
			s.mu.Unlock()
			s.metrics.recordDeferral()
			s.logger.Debug("femtoweb.sched.heap_wait",
				"free", free,
				"largest_block", block,
				"active", active)
			break
		}

		candidate.state = StateActive
		s.mu.Unlock()

		s.metrics.recordActivation()
		if !s.activator.Activate(candidate) {
			s.mu.Lock()
			// Activation couldn't start; park it for this pass so
			// later entries are not starved behind it.
			if candidate.state == StateActive {
				candidate.state = StateDeferred
			}
			s.mu.Unlock()
			s.metrics.recordDeferral()
		}
	}

	// Un-defer everything so the next trigger reconsiders it.
	s.mu.Lock()
	s.queue.each(func(r *Request) {
		if r.state == StateDeferred {
			r.state = StateQueued
		}
	})
	s.mu.Unlock()
}

func remoteString(conn transport.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
