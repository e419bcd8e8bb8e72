// Package errors defines the error taxonomy shared by the hierarchy
// engine and its collaborators.
package errors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound  Kind = "NOT_FOUND"
	KindExists    Kind = "EXISTS"
	KindInvalid   Kind = "INVALID"
	KindStale     Kind = "STALE"
	KindTransport Kind = "TRANSPORT"
	KindInternal  Kind = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Exists(format string, args ...any) *Error {
	return &Error{Kind: KindExists, Message: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

func Stale(format string, args ...any) *Error {
	return &Error{Kind: KindStale, Message: fmt.Sprintf(format, args...)}
}

func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// Transport wraps a remote provider failure. The cause is preserved so
// the session can decide whether a retry makes sense.
func Transport(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransport, Message: fmt.Sprintf(format, args...), Err: err}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func IsNotFound(err error) bool  { return is(err, KindNotFound) }
func IsExists(err error) bool    { return is(err, KindExists) }
func IsInvalid(err error) bool   { return is(err, KindInvalid) }
func IsStale(err error) bool     { return is(err, KindStale) }
func IsTransport(err error) bool { return is(err, KindTransport) }
func IsInternal(err error) bool  { return is(err, KindInternal) }
