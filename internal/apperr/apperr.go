// Package apperr defines the error-kind taxonomy the core produces.
//
// Every error the core returns across a component boundary should wrap one
// of these sentinels so callers can branch with errors.Is instead of string
// matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a coarse error classification.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindInvalid    Kind = "invalid"
	KindBusy       Kind = "busy"
	KindTimeout    Kind = "timeout"
	KindCapacity   Kind = "capacity"
	KindExternal   Kind = "external"
	KindCorruption Kind = "corruption"
)

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalid    = errors.New("invalid")
	ErrBusy       = errors.New("busy")
	ErrTimeout    = errors.New("timeout")
	ErrCapacity   = errors.New("capacity exceeded")
	ErrExternal   = errors.New("external failure")
	ErrCorruption = errors.New("corruption")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindInvalid:
		return ErrInvalid
	case KindBusy:
		return ErrBusy
	case KindTimeout:
		return ErrTimeout
	case KindCapacity:
		return ErrCapacity
	case KindExternal:
		return ErrExternal
	case KindCorruption:
		return ErrCorruption
	default:
		return errors.New(string(k))
	}
}

// Error is a classified, wrapped error carrying a Kind plus context.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "thread.Create"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinelFor(e.Kind)
}

// Is allows errors.Is(err, apperr.ErrNotFound) to match regardless of
// whether Err was set, by comparing against the kind's sentinel.
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

// New builds a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an existing error under kind.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// NotFound/Invalid/... are terse constructors for the common path.
func NotFound(op, message string) *Error   { return New(KindNotFound, op, message) }
func Invalid(op, message string) *Error    { return New(KindInvalid, op, message) }
func Busy(op, message string) *Error       { return New(KindBusy, op, message) }
func Timeout(op, message string) *Error    { return New(KindTimeout, op, message) }
func Capacity(op, message string) *Error   { return New(KindCapacity, op, message) }
func External(op string, err error) *Error { return Wrap(KindExternal, op, "external call failed", err) }

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; the zero Kind otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
