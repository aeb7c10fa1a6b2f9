package logutil

import (
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// SubsystemKey tags every log entry with the emitting subsystem.
const SubsystemKey = pslog.TrustedString("sys")

var (
	noopOnce   sync.Once
	noopLogger pslog.Logger
)

// Noop returns a disabled logger that discards all entries.
func Noop() pslog.Logger {
	noopOnce.Do(func() {
		noopLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noopLogger
}

// Ensure returns l when non-nil, otherwise a disabled logger.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return Noop()
}

// WithSubsystem attaches a subsystem tag to every entry logged through the
// returned logger. Empty subsystems leave the logger untouched.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
