package sched

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/femtoweb/femtoweb/internal/clock"
	"github.com/femtoweb/femtoweb/internal/heapmon"
	"github.com/femtoweb/femtoweb/internal/transport"
)

// fakeConn records everything the scheduler does to a connection.
type fakeConn struct {
	mu           sync.Mutex
	written      []byte
	writeLimit   int // -1 accepts everything
	closed       bool
	aborted      bool
	readTimeout  time.Duration
	noDelay      bool
	onData       transport.DataFunc
	onAck        transport.AckFunc
	onDisconnect func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{writeLimit: -1}
}

func (c *fakeConn) Write(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(p)
	if c.writeLimit >= 0 && n > c.writeLimit {
		n = c.writeLimit
	}
	c.written = append(c.written, p[:n]...)
	return n
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) Abort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
}

func (c *fakeConn) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	c.readTimeout = d
	c.mu.Unlock()
}

func (c *fakeConn) SetNoDelay(enable bool) {
	c.mu.Lock()
	c.noDelay = enable
	c.mu.Unlock()
}

func (c *fakeConn) OnData(fn transport.DataFunc) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnAck(fn transport.AckFunc) {
	c.mu.Lock()
	c.onAck = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (c *fakeConn) writtenString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.written)
}

func (c *fakeConn) wasAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// countingActivator flips queued requests to active and leaves them there.
type countingActivator struct {
	mu    sync.Mutex
	order []*Request
	allow bool
}

func (a *countingActivator) Activate(r *Request) bool {
	a.mu.Lock()
	a.order = append(a.order, r)
	allow := a.allow
	a.mu.Unlock()
	return allow
}

func (a *countingActivator) activations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

func newStaticHeap() *heapmon.Static {
	return heapmon.NewStatic(1<<20, 1<<19)
}

func newTestScheduler(t *testing.T, heap *heapmon.Static, act Activator) *Scheduler {
	t.Helper()
	if act == nil {
		act = &countingActivator{allow: true}
	}
	return New(Config{
		HeapFloor:   1 << 10,
		AllocFloor:  1 << 8,
		ReadTimeout: 3 * time.Second,
		Slots:       16,
		Heap:        heap,
		Clock:       clock.NewManual(time.Unix(1700000000, 0)),
		Logger:      pslog.NoopLogger(),
	}, act)
}

func markReady(t *testing.T, r *Request) {
	t.Helper()
	if err := r.MarkReady(); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
}

func TestAdmitBelowFloorDropsWithoutResponse(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(512, 64) // below both floors
	s := newTestScheduler(t, heap, nil)

	conn := newFakeConn()
	if r := s.Admit(conn); r != nil {
		t.Fatalf("expected nil request below platform floor")
	}
	if !conn.wasAborted() {
		t.Fatalf("expected connection abort")
	}
	if got := conn.writtenString(); got != "" {
		t.Fatalf("expected no response bytes below floor, got %q", got)
	}
	if s.NumClients() != 0 {
		t.Fatalf("expected empty queue, got %d", s.NumClients())
	}
}

func TestAdmitOverQueueDepthSends503(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	s := newTestScheduler(t, heap, nil)
	s.limits = Limits{MaxQueueDepth: 1}

	first := newFakeConn()
	if r := s.Admit(first); r == nil {
		t.Fatalf("expected first connection admitted")
	}
	second := newFakeConn()
	if r := s.Admit(second); r != nil {
		t.Fatalf("expected second connection rejected")
	}
	if got := second.writtenString(); got != busyResponse {
		t.Fatalf("expected canned 503 %q, got %q", busyResponse, got)
	}
	if s.NumClients() != 1 {
		t.Fatalf("rejected connection must not join the queue, depth %d", s.NumClients())
	}
}

func TestAdmitUnderHeapLimitSends503(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<14, 1<<13)
	s := newTestScheduler(t, heap, nil)
	s.limits = Limits{MinFreeHeapToQueue: 1 << 16}

	conn := newFakeConn()
	if r := s.Admit(conn); r != nil {
		t.Fatalf("expected rejection under heap limit")
	}
	if got := conn.writtenString(); got != busyResponse {
		t.Fatalf("expected canned 503, got %q", got)
	}
}

func TestAdmitSetsReadTimeout(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	s := newTestScheduler(t, heap, nil)

	conn := newFakeConn()
	r := s.Admit(conn)
	if r == nil {
		t.Fatalf("expected admission")
	}
	if conn.readTimeout != 3*time.Second {
		t.Fatalf("expected 3s read timeout, got %v", conn.readTimeout)
	}
	if got := r.State(); got != StateParsing {
		t.Fatalf("expected fresh request in parsing state, got %s", got)
	}
}

func TestRejectResendsAfterLateData(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	s := newTestScheduler(t, heap, nil)
	s.limits = Limits{MaxQueueDepth: 1}

	if s.Admit(newFakeConn()) == nil {
		t.Fatalf("expected first admission")
	}
	conn := newFakeConn()
	if s.Admit(conn) != nil {
		t.Fatalf("expected rejection")
	}
	// The client pipelines a request before reading our 503; the reject
	// path answers again.
	conn.mu.Lock()
	onData := conn.onData
	conn.mu.Unlock()
	if onData == nil {
		t.Fatalf("expected data callback on rejected connection")
	}
	onData([]byte("GET / HTTP/1.1\r\n\r\n"))
	if got := conn.writtenString(); got != busyResponse+busyResponse {
		t.Fatalf("expected 503 resent, got %q", got)
	}
}

func TestRejectAbortsWhenWriteFails(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	s := newTestScheduler(t, heap, nil)
	s.limits = Limits{MaxQueueDepth: 1}

	if s.Admit(newFakeConn()) == nil {
		t.Fatalf("expected first admission")
	}
	conn := newFakeConn()
	conn.writeLimit = 0
	if s.Admit(conn) != nil {
		t.Fatalf("expected rejection")
	}
	if !conn.wasAborted() {
		t.Fatalf("expected abort when the transport takes no bytes")
	}
}

func TestDrainActivatesInAdmissionOrder(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	act := &countingActivator{allow: true}
	s := newTestScheduler(t, heap, act)

	var reqs []*Request
	for i := 0; i < 3; i++ {
		r := s.Admit(newFakeConn())
		if r == nil {
			t.Fatalf("admission %d failed", i)
		}
		reqs = append(reqs, r)
	}
	for _, r := range reqs {
		markReady(t, r)
	}
	s.drainPass()

	if got := act.activations(); got != 3 {
		t.Fatalf("expected 3 activations, got %d", got)
	}
	for i, r := range act.order {
		if r != reqs[i] {
			t.Fatalf("activation %d out of admission order", i)
		}
	}
}

func TestDrainRespectsMaxConcurrentActive(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	act := &countingActivator{allow: true}
	s := newTestScheduler(t, heap, act)
	s.limits = Limits{MaxConcurrentActive: 1}

	a := s.Admit(newFakeConn())
	b := s.Admit(newFakeConn())
	markReady(t, a)
	markReady(t, b)
	s.drainPass()

	if got := act.activations(); got != 1 {
		t.Fatalf("expected a single activation, got %d", got)
	}
	if got := s.ActiveCount(); got != 1 {
		t.Fatalf("expected one active request, got %d", got)
	}
	// The deferred mark is pass-local: b must be eligible again.
	if got := b.State(); got != StateQueued {
		t.Fatalf("expected deferred request reverted to queued, got %s", got)
	}
}

func TestDrainHeapPressureKeepsOneActive(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	act := &countingActivator{allow: true}
	s := newTestScheduler(t, heap, act)
	s.limits = Limits{MinFreeHeapToActivate: 1 << 21}

	a := s.Admit(newFakeConn())
	b := s.Admit(newFakeConn())
	markReady(t, a)
	markReady(t, b)
	// Free heap is under the activation threshold, but with nothing active
	// the first request must go through anyway.
	s.drainPass()

	if got := act.activations(); got != 1 {
		t.Fatalf("expected exactly one activation under pressure, got %d", got)
	}
	if act.order[0] != a {
		t.Fatalf("expected oldest request activated first")
	}
	if got := b.State(); got != StateQueued {
		t.Fatalf("expected second request back in queued state, got %s", got)
	}

	// Memory recovers; the next pass picks up the parked request.
	heap.SetFreeBytes(1 << 22)
	s.drainPass()
	if got := act.activations(); got != 2 {
		t.Fatalf("expected second activation after recovery, got %d", got)
	}
}

func TestDrainActivatorRefusalParksForPass(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	act := &countingActivator{allow: false}
	s := newTestScheduler(t, heap, act)

	r := s.Admit(newFakeConn())
	markReady(t, r)
	s.drainPass()

	if got := act.activations(); got != 1 {
		t.Fatalf("expected one activation attempt, got %d", got)
	}
	if got := r.State(); got != StateQueued {
		t.Fatalf("expected refused request back in queued state, got %s", got)
	}
}

func TestDrainIgnoresParsingRequests(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	act := &countingActivator{allow: true}
	s := newTestScheduler(t, heap, act)

	if s.Admit(newFakeConn()) == nil {
		t.Fatalf("expected admission")
	}
	s.drainPass()
	if got := act.activations(); got != 0 {
		t.Fatalf("request without a complete head must not activate, got %d activations", got)
	}
}

func TestCompleteFreesQueueSlot(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	s := newTestScheduler(t, heap, nil)

	r := s.Admit(newFakeConn())
	if s.NumClients() != 1 {
		t.Fatalf("expected one queued client")
	}
	r.Complete()
	if s.NumClients() != 0 {
		t.Fatalf("expected empty queue after completion")
	}
	// Double completion is a no-op.
	r.Complete()
	if s.NumClients() != 0 {
		t.Fatalf("expected queue to stay empty")
	}
}

func TestTriggerDrainCoalesces(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	s := newTestScheduler(t, heap, nil)

	for i := 0; i < 10; i++ {
		s.TriggerDrain()
	}
	if got := len(s.drainCh); got != 1 {
		t.Fatalf("expected concurrent triggers to collapse to one pending pass, got %d", got)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	act := &countingActivator{allow: true}
	s := newTestScheduler(t, heap, act)
	s.Start()
	defer s.Stop()

	r := s.Admit(newFakeConn())
	markReady(t, r)

	deadline := time.Now().Add(2 * time.Second)
	for act.activations() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("drain consumer never activated the request")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSetLimitsAppliesToNextDecision(t *testing.T) {
	t.Parallel()
	heap := heapmon.NewStatic(1<<20, 1<<19)
	s := newTestScheduler(t, heap, nil)

	if s.Admit(newFakeConn()) == nil {
		t.Fatalf("expected admission with no limits")
	}
	s.SetLimits(Limits{MaxQueueDepth: 1})
	conn := newFakeConn()
	if s.Admit(conn) != nil {
		t.Fatalf("expected rejection after limits tightened")
	}
	if !strings.HasPrefix(conn.writtenString(), "HTTP/1.1 503") {
		t.Fatalf("expected 503 after limit change, got %q", conn.writtenString())
	}
}
