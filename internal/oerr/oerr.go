// Package oerr defines the error taxonomy shared by the orchestration core.
//
// Each kind corresponds to a distinct failure class surfaced to callers:
// validation problems, claim/graph conflicts, busy sessions, missing
// resources, subprocess failures, and inactivity timeouts. Callers match
// with errors.As against the concrete type or with the Is* helpers.
package oerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for exit codes and retry decisions.
type Kind int

const (
	KindValidation Kind = iota
	KindConflict
	KindBusy
	KindNotFound
	KindSubprocess
	KindTimeout
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindBusy:
		return "busy"
	case KindNotFound:
		return "not_found"
	case KindSubprocess:
		return "subprocess"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind and optional cause.
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

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same kind. This lets
// callers use errors.Is(err, oerr.Conflict("")) style sentinels if they
// want, though the Is* helpers below are the common path.
func (e *Error) Is(target error) bool {
	var oe *Error
	if errors.As(target, &oe) {
		return oe.Kind == e.Kind
	}
	return false
}

// Validationf creates a ValidationError.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf creates a ConflictError (cycle insertion, lost claim race).
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Busyf creates a BusyError (session mid-turn).
func Busyf(format string, args ...any) *Error {
	return &Error{Kind: KindBusy, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a NotFoundError.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Subprocess wraps a subprocess spawn or exit failure.
func Subprocess(msg string, err error) *Error {
	return &Error{Kind: KindSubprocess, Msg: msg, Err: err}
}

// Timeoutf creates a TimeoutError (inactivity watchdog).
func Timeoutf(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Msg: fmt.Sprintf(format, args...)}
}

// kindOf extracts the Kind from err, or -1 if err is not an *Error.
func kindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return Kind(-1)
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return kindOf(err) == KindValidation }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return kindOf(err) == KindConflict }

// IsBusy reports whether err is a busy error.
func IsBusy(err error) bool { return kindOf(err) == KindBusy }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// IsSubprocess reports whether err is a subprocess error.
func IsSubprocess(err error) bool { return kindOf(err) == KindSubprocess }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return kindOf(err) == KindTimeout }

// Retryable reports whether the failure class is transient from the
// caller's point of view. Conflicts are retryable (recompute and re-claim);
// busy sessions are retryable (enqueue instead); validation never is.
func Retryable(err error) bool {
	switch kindOf(err) {
	case KindConflict, KindBusy, KindTimeout:
		return true
	default:
		return false
	}
}
