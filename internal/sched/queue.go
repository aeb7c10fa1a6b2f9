package sched

import "errors"

// ErrQueueSlotsExhausted is returned when the slot map has no free slot for
// a new request. Admission treats it like an allocation failure: the
// connection is closed and the server keeps serving others.
var ErrQueueSlotsExhausted = errors.New("sched: request slots exhausted")

// requestQueue is an index-stable slot map. Requests keep their slot index
// for their whole lifetime, so removal during a drain scan never invalidates
// other entries. Admission (FIFO) order is tracked by a monotonic sequence
// number instead of slot position.
type requestQueue struct {
	slots []*Request
	free  []int
	count int
	seq   uint64
}

func newRequestQueue(capacity int) *requestQueue {
	return &requestQueue{slots: make([]*Request, 0, capacity)}
}

func (q *requestQueue) add(r *Request) error {
	q.seq++
	r.seq = q.seq
	if n := len(q.free); n > 0 {
		r.slot = q.free[n-1]
		q.free = q.free[:n-1]
		q.slots[r.slot] = r
		q.count++
		return nil
	}
	if len(q.slots) == cap(q.slots) {
		return ErrQueueSlotsExhausted
	}
	r.slot = len(q.slots)
	q.slots = append(q.slots, r)
	q.count++
	return nil
}

// remove moves r out of the queue. Returns false when r is not present
// (already removed by a racing completion path).
func (q *requestQueue) remove(r *Request) bool {
	if r.slot < 0 || r.slot >= len(q.slots) || q.slots[r.slot] != r {
		return false
	}
	q.slots[r.slot] = nil
	q.free = append(q.free, r.slot)
	r.slot = -1
	q.count--
	return true
}

func (q *requestQueue) len() int { return q.count }

// each calls fn for every request in the queue, in arbitrary order.
func (q *requestQueue) each(fn func(*Request)) {
	for _, r := range q.slots {
		if r != nil {
			fn(r)
		}
	}
}

// ordered returns the queue contents in admission order.
func (q *requestQueue) ordered() []*Request {
	out := make([]*Request, 0, q.count)
	q.each(func(r *Request) { out = append(out, r) })
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].seq > out[j].seq; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
