package store

import (
	"errors"
	"fmt"
)

// ErrKind is one of the error kinds named in spec §7. The HTTP boundary
// (internal/httpapi) maps each kind to a status code; nothing below that
// boundary should know about HTTP.
type ErrKind string

const (
	KindNotFound           ErrKind = "not_found"
	KindValidation         ErrKind = "validation_error"
	KindSecurityViolation  ErrKind = "security_violation"
	KindConflict           ErrKind = "conflict"
	KindTransient          ErrKind = "transient"
	KindRemoteToolError    ErrKind = "remote_tool_error"
)

// Error wraps an ErrKind with a human-readable message and, optionally, the
// underlying cause. It satisfies errors.Is against the sentinel kinds below
// via errors.As + Kind comparison.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, store.NotFound("")) style checks that only
// compare Kind, ignoring Message/Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func SecurityViolation(format string, args ...any) error {
	return &Error{Kind: KindSecurityViolation, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Transient(cause error, format string, args ...any) error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrKind from err, or "" if err is not a *Error.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
