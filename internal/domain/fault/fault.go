package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so retry loops can decide without inspecting
// concrete error types from transport or decoder internals.
type Kind string

const (
	KindUnknown             Kind = "unknown"
	KindDecodeFailed        Kind = "decode_failed"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderTimeout     Kind = "provider_timeout"
	KindRecordMissing       Kind = "record_missing"
)

// Error is the kinded error crossing component boundaries. HTTPStatus is
// zero unless the failure originated from an HTTP response.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Message    string
	// Retryable marks failures the transport may retry on its own before
	// surfacing them. Caller-level retry policies look at Kind instead.
	Retryable bool
	cause     error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func WithStatus(kind Kind, message string, status int) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: status}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the Kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status attached to err, 0 when absent.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.HTTPStatus
	}
	return 0
}

// IsTransient reports whether err is worth retrying against the provider.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindProviderUnavailable, KindProviderTimeout:
		return true
	}
	return false
}
