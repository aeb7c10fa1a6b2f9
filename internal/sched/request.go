package sched

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/femtoweb/femtoweb/internal/transport"
)

// State is the request lifecycle as far as the scheduler is concerned. The
// parser layer owns finer-grained progress; the scheduler only inspects
// Queued, Deferred and Active and treats Parsing as opaque/ineligible.
type State uint8

const (
	// StateParsing covers everything before the request head is complete.
	StateParsing State = iota
	// StateQueued marks a request waiting for activation.
	StateQueued
	// StateDeferred marks a request scanned once this drain pass and found
	// ineligible; it reverts to StateQueued when the pass ends.
	StateDeferred
	// StateActive marks a request currently being processed.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateParsing:
		return "parsing"
	case StateQueued:
		return "queued"
	case StateDeferred:
		return "deferred"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

func canTransition(from, to State) bool {
	switch from {
	case StateParsing:
		return to == StateQueued
	case StateQueued:
		return to == StateActive || to == StateDeferred
	case StateDeferred:
		return to == StateQueued
	default:
		return false
	}
}

// Request is one admitted connection's unit of work. It is owned by the
// scheduler's queue from Admit until Complete; the state field and queue
// bookkeeping are guarded by the scheduler lock.
type Request struct {
	id       xid.ID
	conn     transport.Conn
	admitted time.Time
	sched    *Scheduler
	slot     int
	seq      uint64
	state    State

	// Filled by the parser layer before MarkReady, then mutated by the
	// rewrite chain during activation.
	Method  string
	RawPath string
	Path    string
	Params  url.Values
	Header  map[string]string

	// AnyHeaderInterest is set when dispatch fell through to the
	// catch-all handler, telling header collection that no specific
	// handler constrained which headers it needs.
	AnyHeaderInterest bool

	// Response tracks in-flight response delivery, when one exists.
	Response *ResponseProgress
}

// ID returns the request's identity token.
func (r *Request) ID() xid.ID { return r.id }

// Conn returns the transport connection the request arrived on.
func (r *Request) Conn() transport.Conn { return r.conn }

// Admitted returns the admission timestamp.
func (r *Request) Admitted() time.Time { return r.admitted }

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.sched.mu.Lock()
	defer r.sched.mu.Unlock()
	return r.state
}

// MarkReady promotes the request from parsing to queued and triggers a
// drain pass. Called by the parser layer once the request head is complete.
func (r *Request) MarkReady() error {
	r.sched.mu.Lock()
	if !canTransition(r.state, StateQueued) {
		state := r.state
		r.sched.mu.Unlock()
		return fmt.Errorf("sched: invalid transition %s -> %s", state, StateQueued)
	}
	r.state = StateQueued
	r.sched.mu.Unlock()
	r.sched.TriggerDrain()
	return nil
}

// Complete removes the request from the queue and triggers a drain pass.
// Safe to call from handler or disconnect callbacks; removal never happens
// while the queue lock is held by the caller.
func (r *Request) Complete() {
	r.sched.Complete(r)
}

// ResponseProgress mirrors the delivery counters of an in-flight response.
// It has its own lock so the responder can update it without touching the
// queue lock.
type ResponseProgress struct {
	mu      sync.Mutex
	Head    int
	Content int
	Sent    int
	Acked   int
	Written int
}

// Update applies fn under the progress lock.
func (p *ResponseProgress) Update(fn func(*ResponseProgress)) {
	p.mu.Lock()
	fn(p)
	p.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (p *ResponseProgress) Snapshot() (head, content, sent, acked, written int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Head, p.Content, p.Sent, p.Acked, p.Written
}
