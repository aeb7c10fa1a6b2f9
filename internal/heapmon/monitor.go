// Package heapmon answers the two questions the admission gate asks before
// taking on work: how many bytes are free, and how large is the biggest
// contiguous region the allocator could still hand out.
package heapmon

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/femtoweb/femtoweb/internal/clock"
)

// Monitor reports allocator-usable memory. Implementations must be cheap
// enough to query once per drain iteration.
type Monitor interface {
	// FreeBytes returns the total free heap available to the allocator.
	FreeBytes() uint64
	// LargestFreeBlock returns the size of the biggest contiguous
	// allocatable region. Under fragmentation this is smaller than
	// FreeBytes.
	LargestFreeBlock() uint64
}

// Static is a Monitor with fixed, settable readings. Used by tests and by
// deployments that feed readings from an external allocator probe.
type Static struct {
	free  atomic.Uint64
	block atomic.Uint64
}

// NewStatic returns a Static monitor primed with the supplied readings.
func NewStatic(free, block uint64) *Static {
	s := &Static{}
	s.free.Store(free)
	s.block.Store(block)
	return s
}

// FreeBytes returns the configured free-heap reading.
func (s *Static) FreeBytes() uint64 { return s.free.Load() }

// LargestFreeBlock returns the configured contiguous-block reading.
func (s *Static) LargestFreeBlock() uint64 { return s.block.Load() }

// SetFreeBytes updates the free-heap reading.
func (s *Static) SetFreeBytes(v uint64) { s.free.Store(v) }

// SetLargestFreeBlock updates the contiguous-block reading.
func (s *Static) SetLargestFreeBlock(v uint64) { s.block.Store(v) }

// Sampled derives readings from the Go runtime and, when no budget is
// configured, the operating system's view of available memory. A naive
// "total free" figure overstates what the allocator can actually satisfy,
// so the sampler corrects for span slack retained by the runtime.
type Sampled struct {
	budget uint64
	clock  clock.Clock
	maxAge time.Duration

	mu        sync.Mutex
	sampledAt time.Time
	free      uint64
	block     uint64
}

// DefaultSampleMaxAge bounds how stale a cached reading may be before the
// next query forces a fresh sample.
const DefaultSampleMaxAge = 50 * time.Millisecond

// NewSampled constructs a runtime-backed monitor. budget caps the heap the
// process is allowed to use; 0 means "whatever the host has available".
func NewSampled(budget uint64, clk clock.Clock) *Sampled {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Sampled{
		budget: budget,
		clock:  clk,
		maxAge: DefaultSampleMaxAge,
	}
}

// FreeBytes returns the sampled free-heap figure.
func (s *Sampled) FreeBytes() uint64 {
	free, _ := s.sample()
	return free
}

// LargestFreeBlock returns the sampled contiguous-block figure.
func (s *Sampled) LargestFreeBlock() uint64 {
	_, block := s.sample()
	return block
}

func (s *Sampled) sample() (uint64, uint64) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sampledAt.IsZero() && now.Sub(s.sampledAt) < s.maxAge {
		return s.free, s.block
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var free uint64
	if s.budget > 0 {
		used := ms.HeapInuse + ms.StackInuse
		if used < s.budget {
			free = s.budget - used
		}
	} else if vm, err := mem.VirtualMemory(); err == nil {
		free = vm.Available
	} else {
		// No OS view; fall back to memory the runtime has already
		// reserved but is not using.
		free = ms.HeapSys - ms.HeapInuse
	}

	// Span slack (HeapInuse - HeapAlloc) is memory the allocator holds in
	// partially-filled spans; it counts against contiguity but not
	// against total free bytes.
	slack := ms.HeapInuse - ms.HeapAlloc
	block := free
	if slack < block {
		block -= slack
	} else {
		block = 0
	}

	s.sampledAt = now
	s.free = free
	s.block = block
	return free, block
}
