// Package errs defines the error taxonomy shared by the service core.
// Guards and handlers return these as data; the view layer branches on the
// kind and renders a specific message, never a raw upstream error.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the view layer.
type Kind int

const (
	KindValidation Kind = iota // input fails a guard or validator
	KindNotFound               // entity does not exist
	KindState                  // transition not allowed from current state
	KindQuota                  // abort attempted with no quota left
	KindConflict               // replay-hash collision or irreconcilable reports
	KindUpstream               // persistent-store or object-store failure
	KindCancelled              // task cancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindQuota:
		return "quota"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Error carries a kind plus a user-presentable message. Wrapped causes are
// for logs only.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(format string, args ...any) *Error { return New(KindValidation, format, args...) }

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(format string, args ...any) *Error { return New(KindNotFound, format, args...) }

// State is shorthand for New(KindState, ...).
func State(format string, args ...any) *Error { return New(KindState, format, args...) }

// Quota is shorthand for New(KindQuota, ...).
func Quota(format string, args ...any) *Error { return New(KindQuota, format, args...) }

// Conflict is shorthand for New(KindConflict, ...).
func Conflict(format string, args ...any) *Error { return New(KindConflict, format, args...) }

// KindOf extracts the kind from err, or KindUpstream if err is not an
// *Error from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
