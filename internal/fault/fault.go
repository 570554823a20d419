// Package fault provides kinded errors shared across the pipeline.
//
// A Kind classifies how a failure should be handled: validation and
// precondition faults are caller mistakes, not-found is a missing record,
// transient faults are retryable, permanent faults are not. The API
// boundary maps kinds to HTTP statuses; the processor maps them to
// retry-or-settle decisions.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindValidation marks input the caller can fix.
	KindValidation Kind = "validation"

	// KindNotFound marks a record that does not exist.
	KindNotFound Kind = "not_found"

	// KindPrecondition marks an operation illegal in the current state.
	KindPrecondition Kind = "precondition"

	// KindTransient marks a failure worth retrying.
	KindTransient Kind = "transient"

	// KindPermanent marks a failure that will not succeed on retry.
	KindPermanent Kind = "permanent"
)

// Error is a kinded error. The zero Kind behaves as unclassified.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind and message. Returns nil if err is nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Kind == kind
}

// IsValidation reports whether err is a validation fault.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsNotFound reports whether err is a not-found fault.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsPrecondition reports whether err is a precondition fault.
func IsPrecondition(err error) bool { return IsKind(err, KindPrecondition) }

// IsTransient reports whether err is a transient fault.
func IsTransient(err error) bool { return IsKind(err, KindTransient) }

// IsPermanent reports whether err is a permanent fault.
func IsPermanent(err error) bool { return IsKind(err, KindPermanent) }
