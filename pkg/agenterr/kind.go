// Package agenterr defines the core-internal error kinds shared by every
// agent subsystem (spec §7). It has no transport dependency; the
// translation from a Kind to a google.golang.org/grpc status is
// agentrpc.ToStatus, applied once at the dispatcher boundary.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind classifies a core error independently of any RPC transport.
type Kind string

const (
	// InvalidArgument: malformed request, missing container/process id, bad
	// format, bad path prefix.
	InvalidArgument Kind = "invalid_argument"
	// NotFound: container or process unknown.
	NotFound Kind = "not_found"
	// Precondition: CreateSandbox subcomponent failure.
	Precondition Kind = "precondition"
	// IO: syscall I/O error on a stdio fd.
	IO Kind = "io"
	// Timeout: remove_container timer fired.
	Timeout Kind = "timeout"
	// Internal: any unexpected errno or library failure.
	Internal Kind = "internal"
	// Unavailable: TTY operation requested on a non-TTY process.
	Unavailable Kind = "unavailable"
	// Unimplemented: an explicit stub (PauseContainer/ResumeContainer) that
	// must not silently report success (spec §9 open question b).
	Unimplemented Kind = "unimplemented"
)

// Error wraps an underlying error with a Kind and the operation that
// produced it, so the dispatcher can classify without re-deriving intent.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string, matching the
// fmt.Errorf("...: %w", err) convention used everywhere else in this module.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of err, defaulting to Internal for errors that
// were never classified (an unexpected errno or a library failure we don't
// have a specific mapping for, per §7's propagation policy).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
