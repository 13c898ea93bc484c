package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure at the order boundary.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindConnectivity  ErrorKind = "connectivity"
	KindServer        ErrorKind = "server"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
)

// Kind sentinels for errors.Is.
var (
	ErrValidation    = &OrderError{Kind: KindValidation}
	ErrAuthorization = &OrderError{Kind: KindAuthorization}
	ErrConnectivity  = &OrderError{Kind: KindConnectivity}
	ErrServer        = &OrderError{Kind: KindServer}
	ErrNotFound      = &OrderError{Kind: KindNotFound}
	ErrConflict      = &OrderError{Kind: KindConflict}
)

// OrderError is a classified failure.
type OrderError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *OrderError {
	return &OrderError{Kind: kind, Op: op, Err: err}
}

// NewValidationError builds a validation failure from a message.
func NewValidationError(format string, args ...interface{}) *OrderError {
	return &OrderError{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

func (e *OrderError) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *OrderError) Is(target error) bool {
	t, ok := target.(*OrderError)
	if !ok || t.Err != nil || t.Op != "" {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the same request may succeed later.
func (e *OrderError) Retryable() bool {
	return e.Kind == KindConnectivity || e.Kind == KindServer
}

// KindOf returns the kind of the first OrderError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// IsRetryable reports whether err is a connectivity or server failure.
func IsRetryable(err error) bool {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Retryable()
	}
	return false
}
