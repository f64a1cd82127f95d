package domain

import (
	"errors"
	"fmt"
)

// ErrKind classifies errors surfaced to the tool boundary.
type ErrKind string

const (
	KindInvalidInput ErrKind = "invalid-input"
	KindPrecondition ErrKind = "precondition"
	KindNotFound     ErrKind = "not-found"
	KindConflict     ErrKind = "conflict"
	KindExternal     ErrKind = "external"
	KindIO           ErrKind = "io"
)

// Error is a typed domain error. The message is safe to show callers.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error // optional underlying cause, not shown to callers
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindIO when err carries no kind.
func KindOf(err error) ErrKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindIO
}

func Invalidf(format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Msg: fmt.Sprintf(format, args...)}
}

func Preconditionf(format string, args ...any) error {
	return &Error{Kind: KindPrecondition, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Externalf wraps a remote-service failure. The cause message is part
// of the caller-visible text because it usually tells the operator
// what to fix.
func Externalf(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg += ": " + err.Error()
	}
	return &Error{Kind: KindExternal, Msg: msg, Err: err}
}

// IOf wraps a filesystem or lock failure.
func IOf(err error, format string, args ...any) error {
	return &Error{Kind: KindIO, Msg: fmt.Sprintf(format, args...), Err: err}
}
