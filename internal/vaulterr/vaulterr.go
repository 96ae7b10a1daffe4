// Package vaulterr defines the closed set of error kinds the download
// engine can produce, so every layer above can branch on recovery policy
// without string-matching error text.
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of the recovery policy in
// spec.md section 7.
type Kind int

const (
	// Transient is a retryable HTTP or socket failure.
	Transient Kind = iota
	// IntegrityMismatch means a hash differed after download, decompress,
	// or depot-cache load.
	IntegrityMismatch
	// PathUnsafe means a manifest or archive entry path escaped the
	// install root.
	PathUnsafe
	// InsufficientSpace means the storage budget check failed.
	InsufficientSpace
	// ManifestInvalid means the manifest failed to parse or violated an
	// invariant.
	ManifestInvalid
	// Cancelled means the user cancelled the session.
	Cancelled
	// Fatal is an unexpected I/O, DB, or OS error.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case IntegrityMismatch:
		return "integrity_mismatch"
	case PathUnsafe:
		return "path_unsafe"
	case InsufficientSpace:
		return "insufficient_space"
	case ManifestInvalid:
		return "manifest_invalid"
	case Cancelled:
		return "cancelled"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Kind and the operation that produced it.
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

// Is allows errors.Is(err, vaulterr.Transient) style checks against a
// bare Kind value by comparing kinds.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Of reports the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
