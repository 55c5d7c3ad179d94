package reactor

import (
	"errors"
	"fmt"
	"strings"
)

// ProblemReason classifies why a computation was quarantined into the
// problem sub-DAG.
type ProblemReason string

const (
	ReasonMissingInput       ProblemReason = "missing-input"
	ReasonCircularDependency ProblemReason = "circular-dependency"
	ReasonInvalidDefinition  ProblemReason = "invalid-definition"
	ReasonDuplicateOutput    ProblemReason = "duplicate-output"
)

// StructuralError describes why a computation is quarantined. It is carried
// verbatim inside Result.Fatal and surfaced by GetValue as a wrapped error.
type StructuralError struct {
	Reason              ProblemReason
	ComputationID       string
	MissingInputs       []string
	CyclePath           []string
	ConflictingProducer string
	// Detail carries free-text context for reasons that don't fit the
	// other fields, e.g. an operational redefinition-without-flag message.
	Detail string
}

func (e *StructuralError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reactor: computation %q is problematic: %s", e.ComputationID, e.Reason)
	switch e.Reason {
	case ReasonMissingInput:
		fmt.Fprintf(&b, " (missing: %s)", strings.Join(e.MissingInputs, ", "))
	case ReasonCircularDependency:
		fmt.Fprintf(&b, " (cycle: %s)", strings.Join(e.CyclePath, " -> "))
	case ReasonDuplicateOutput:
		fmt.Fprintf(&b, " (already owned by %q)", e.ConflictingProducer)
	case ReasonInvalidDefinition:
		if e.Detail != "" {
			fmt.Fprintf(&b, " (%s)", e.Detail)
		}
	}
	return b.String()
}

var (
	// ErrNotFound is returned when an id names neither a normal nor a
	// problem variable/computation.
	ErrNotFound = errors.New("reactor: not found")
	// ErrNotASource is returned by UpdateSource for a computed variable.
	ErrNotASource = errors.New("reactor: not a source")
	// ErrUnknownID is returned by Observe/Peek for an unknown id.
	ErrUnknownID = errors.New("reactor: unknown id")
	// ErrRedefinitionNotAllowed names the condition of defining over an
	// existing id without allowRedefinition set. DefineSource and
	// DefineComputation do not return it: they report that condition in
	// their status, as a StructuralError with ReasonInvalidDefinition.
	ErrRedefinitionNotAllowed = errors.New("reactor: id already defined, redefinition not allowed")
	// ErrInvalidDynamicAccess is returned (and surfaced to a body) when a
	// body accesses a variable via Scope.Get that was never declared in
	// its static inputs.
	ErrInvalidDynamicAccess = errors.New("reactor: accessed variable is not a declared static input")
	// ErrBodyPanic wraps a recovered panic from a computation body.
	ErrBodyPanic = errors.New("reactor: computation body panicked")
	// ErrKernelClosed is returned by GetValueResult, GetValue, WaitIdle and
	// Scope reads that are waiting when Close is called or are issued after
	// it. Other operations issued after Close return without effect and
	// without this error.
	ErrKernelClosed = errors.New("reactor: kernel is closed")

	// errAborted is the internal control-flow sentinel for cooperative
	// cancellation. It must never escape to a user-visible Result.
	errAborted = errors.New("reactor: aborted")
)

// IsAborted reports whether err is the internal cancellation sentinel.
// Exposed so hosts embedding bodies that call other reactor operations can
// recognize it, though ordinarily it never leaves the kernel.
func IsAborted(err error) bool {
	return errors.Is(err, errAborted)
}
