package sched

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

const timeRounding = 10 * time.Millisecond

// statusBufLimit bounds the intermediate buffer the status dump renders
// into while the queue lock is held. The flush to the real destination
// happens after the lock is released, so a slow sink never stalls
// admission.
const statusBufLimit = 2048

// ErrNilStatusSink is returned when PrintStatus has nowhere to write.
var ErrNilStatusSink = errors.New("sched: nil status sink")

// PrintStatus renders a snapshot of the queue into w. Rendering happens
// into a bounded buffer under the lock; output past the bound is truncated
// rather than blocking the queue.
func (s *Scheduler) PrintStatus(w io.Writer) error {
	if w == nil {
		return ErrNilStatusSink
	}

	free := s.heap.FreeBytes()
	block := s.heap.LargestFreeBlock()

	var buf bytes.Buffer
	buf.Grow(statusBufLimit)
	fmt.Fprintf(&buf, "femtoweb status: heap %s free, %s largest block\n",
		humanize.IBytes(free), humanize.IBytes(block))

	s.mu.Lock()
	if s.queue.len() == 0 {
		buf.WriteString("queue idle\n")
	} else {
		now := s.clock.Now()
		truncated := false
		for _, r := range s.queue.ordered() {
			if buf.Len() >= statusBufLimit {
				truncated = true
				break
			}
			fmt.Fprintf(&buf, "- request %s [%s], state %s, age %s",
				r.id.String(), remoteString(r.conn), r.state, now.Sub(r.admitted).Round(timeRounding))
			if r.Response != nil {
				head, content, sent, acked, written := r.Response.Snapshot()
				fmt.Fprintf(&buf, " -- response [%d %d - %d %d %d]",
					head, content, sent, acked, written)
			}
			buf.WriteByte('\n')
		}
		if truncated {
			buf.WriteString("... (truncated)\n")
		}
	}
	s.mu.Unlock()

	_, err := w.Write(buf.Bytes())
	if err != nil {
		s.logger.Warn("femtoweb.sched.status_flush_failed", "error", err)
	}
	return err
}
