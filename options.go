package reactor

import (
	"os"

	"github.com/rs/zerolog"
)

// AbortStrategy controls when a successor task is allowed to start after
// its predecessor's cancellation signal has been raised.
type AbortStrategy int

const (
	// AbortDeferred (default) waits for the prior task's goroutine to
	// settle before starting the successor.
	AbortDeferred AbortStrategy = iota
	// AbortImmediate starts the successor as soon as the prior task's
	// context is cancelled, relying on the prior body's own cooperative
	// checks to yield its concurrency slot.
	AbortImmediate
)

func (s AbortStrategy) String() string {
	if s == AbortImmediate {
		return "immediate"
	}
	return "deferred"
}

// LogLevel selects the verbosity of the kernel's internal structured
// logger, mirroring spec §6's ReactiveModuleOptions.logLevel. LevelError is
// the zero value so a zero-valued KernelOptions gets the documented default
// without an explicit "is this set" sentinel.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.ErrorLevel
	}
}

// KernelOptions configures a Kernel, generalizing the teacher library's
// per-signal Options[T] into a single kernel-wide options struct (the
// kernel, unlike a bag of independent signals, has cross-cutting concerns -
// scheduling, logging - that belong at that scope).
type KernelOptions struct {
	// MaxConcurrent bounds the number of in-flight computation bodies.
	// Zero/negative means "use the default" (16).
	MaxConcurrent int

	// AbortStrategy selects deferred (default) or immediate cancellation.
	AbortStrategy AbortStrategy

	// LogLevel sets the verbosity of the default logger. Ignored if
	// Logger is set explicitly.
	LogLevel LogLevel

	// Logger overrides the default stderr logger entirely.
	Logger *zerolog.Logger

	// AssertInvariants, when true, checks the V*/C* invariants (spec §3,
	// §8) at the end of every command the scheduler goroutine processes and
	// panics on violation. Individual setters and settlement steps are not
	// checked on their own. Intended for tests and development, not
	// production.
	AssertInvariants bool

	// OnPanic, if set, is called instead of logging when an observer
	// callback or a computation body panics.
	OnPanic func(err any, stack []byte)
}

func (o KernelOptions) withDefaults() KernelOptions {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 16
	}
	return o
}

func (o KernelOptions) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return zerolog.New(os.Stderr).Level(o.LogLevel.zerolog()).With().Timestamp().Logger()
}
