// Package errors defines the structured error kinds returned across the
// embedstore core, per the error handling design: NotFound is the normal
// "not yet admitted" signal on the hot path, the rest are genuine failures.
//
// © 2025 embedstore authors. MIT License.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an *Error so callers (optimizer kernels, background
// tasks) can branch without string matching.
type Kind uint8

const (
	// NotFound means the id is absent. Not an error on the lookup-or-create
	// fast path: it signals "create if admitted".
	NotFound Kind = iota + 1
	// InvalidArgument means a configuration conflict, shape mismatch, or a
	// reserved key (e.g. EMPTY_KEY) was supplied by the caller.
	InvalidArgument
	// FailedPrecondition means an uninitialized variable was used by an
	// optimizer kernel.
	FailedPrecondition
	// IoError means an SSD read/write failed. Always surfaced, never
	// retried inside the core.
	IoError
	// Corruption means a checksum mismatch was found during an SSD read or
	// a restart scan; the affected record was dropped.
	Corruption
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidArgument:
		return "invalid_argument"
	case FailedPrecondition:
		return "failed_precondition"
	case IoError:
		return "io_error"
	case Corruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error is the structured error type returned by every exported operation
// that can fail. It wraps an optional underlying cause for errors.Is/As.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("embedstore: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("embedstore: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// do `errors.Is(err, embedstoreerrors.ErrNotFound)` via the sentinel values
// below, or compare Kind directly after an errors.As.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// sentinels usable with errors.Is(err, embedstoreerrors.ErrNotFound).
var (
	ErrNotFound           = &Error{Kind: NotFound, Msg: "id not present"}
	ErrInvalidArgument    = &Error{Kind: InvalidArgument, Msg: "invalid argument"}
	ErrFailedPrecondition = &Error{Kind: FailedPrecondition, Msg: "uninitialized variable"}
	ErrIoError            = &Error{Kind: IoError, Msg: "io failure"}
	ErrCorruption         = &Error{Kind: Corruption, Msg: "checksum mismatch"}
)

// KindOf extracts the Kind from err, defaulting to 0 (unknown) if err is not
// an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
