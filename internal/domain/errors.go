package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, user-visible category of a failure.
type ErrorKind string

const (
	KindFormat             ErrorKind = "format_error"
	KindUnknownFareClass   ErrorKind = "unknown_fare_class"
	KindModelUnavailable   ErrorKind = "model_unavailable"
	KindPersistenceFailure ErrorKind = "persistence_failure"
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindNotFound           ErrorKind = "not_found"
	KindInternal           ErrorKind = "internal"
)

// Error attaches an ErrorKind to an underlying error.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Sentinels for errors.Is checks. They match any Error of the same kind.
var (
	ErrFormat             = &Error{Kind: KindFormat}
	ErrUnknownFareClass   = &Error{Kind: KindUnknownFareClass}
	ErrModelUnavailable   = &Error{Kind: KindModelUnavailable}
	ErrPersistenceFailure = &Error{Kind: KindPersistenceFailure}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
)

// Errorf creates an Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapError tags err with kind. A nil err yields nil.
func WrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
