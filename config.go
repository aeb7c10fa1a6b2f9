package femtoweb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultReadTimeout is applied to freshly admitted connections until
	// the parser layer takes over.
	DefaultReadTimeout = 3 * time.Second
	// DefaultHeapFloor is the free-heap platform floor below which new
	// connections are dropped without a response.
	DefaultHeapFloor = 16 << 20
	// DefaultAllocFloor is the largest-free-block platform floor.
	DefaultAllocFloor = 4 << 20
	// DefaultQueueSlots bounds the request slot map; admission beyond it
	// fails like an allocation failure.
	DefaultQueueSlots = 256
	// DefaultMaxHeadBytes bounds how much request-head material a
	// connection may send before it is dropped.
	DefaultMaxHeadBytes = 4096
	// DefaultMetricsListen is the metrics endpoint (Prometheus scrape).
	// Empty disables metrics.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file searched for when --config
	// is omitted.
	DefaultConfigFileName = "config.yaml"
)

// QueueLimits are the four runtime-mutable admission thresholds. Zero means
// unconstrained. See SetQueueLimits for mutation semantics.
type QueueLimits struct {
	// MaxQueueDepth rejects new connections once the request queue holds
	// this many entries.
	MaxQueueDepth int
	// MinFreeHeapToQueue rejects new connections while free heap is below
	// this many bytes.
	MinFreeHeapToQueue uint64
	// MaxConcurrentActive caps simultaneously active requests.
	MaxConcurrentActive int
	// MinFreeHeapToActivate pauses activating additional requests while
	// free heap is below this many bytes; the first activation is always
	// allowed.
	MinFreeHeapToActivate uint64
}

// Config configures a Server. The zero value plus Validate yields a
// functional server with no admission limits and default platform floors.
type Config struct {
	// Listen is the accept endpoint, host:port.
	Listen string
	// ListenProto is the listen network (tcp, tcp4, tcp6).
	ListenProto string
	// ReadTimeout bounds how long a freshly admitted connection may stay
	// silent before the transport gives up on it.
	ReadTimeout time.Duration
	// Limits are the initial admission thresholds.
	Limits QueueLimits
	// HeapFloor and AllocFloor are the platform floors; connections
	// arriving below either are dropped without any response attempt.
	HeapFloor  uint64
	AllocFloor uint64
	// MemoryBudget caps the heap the process is allowed to use, feeding
	// the heap monitor. 0 derives free memory from the host instead.
	MemoryBudget uint64
	// QueueSlots bounds the request slot map.
	QueueSlots int
	// MaxHeadBytes bounds the request head size.
	MaxHeadBytes int
	// MetricsListen exposes a Prometheus scrape endpoint when non-empty.
	MetricsListen string
	// PprofListen exposes debug/pprof endpoints when non-empty.
	PprofListen string
	// EnableRuntimeMetrics adds Go runtime metrics to the scrape endpoint.
	EnableRuntimeMetrics bool
}

// Validate fills defaults and rejects nonsense values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("config: negative read timeout %s", c.ReadTimeout)
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.HeapFloor == 0 {
		c.HeapFloor = DefaultHeapFloor
	}
	if c.AllocFloor == 0 {
		c.AllocFloor = DefaultAllocFloor
	}
	if c.QueueSlots < 0 {
		return fmt.Errorf("config: negative queue slots %d", c.QueueSlots)
	}
	if c.QueueSlots == 0 {
		c.QueueSlots = DefaultQueueSlots
	}
	if c.Limits.MaxQueueDepth < 0 || c.Limits.MaxConcurrentActive < 0 {
		return fmt.Errorf("config: negative queue limit")
	}
	if c.Limits.MaxQueueDepth > c.QueueSlots {
		return fmt.Errorf("config: max queue depth %d exceeds queue slots %d",
			c.Limits.MaxQueueDepth, c.QueueSlots)
	}
	if c.MaxHeadBytes < 0 {
		return fmt.Errorf("config: negative max head bytes %d", c.MaxHeadBytes)
	}
	if c.MaxHeadBytes == 0 {
		c.MaxHeadBytes = DefaultMaxHeadBytes
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.femtod). The FEMTOD_CONFIG_DIR environment variable overrides it.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("FEMTOD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".femtod"), nil
}
