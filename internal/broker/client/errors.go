package client

import (
	"fmt"

	errors "github.com/Laisky/errors/v2"
)

// ErrorCode identifies a machine-stable broker error code.
type ErrorCode string

const (
	// ErrCodeInsufficientSpace means the quota is exhausted and cleanup
	// cannot help.
	ErrCodeInsufficientSpace ErrorCode = "INSUFFICIENT_SPACE"
	// ErrCodeBrokerUnavailable means no reply arrived where one is
	// mandatory.
	ErrCodeBrokerUnavailable ErrorCode = "BROKER_UNAVAILABLE"
	// ErrCodeNotFound means no location exists for the requested id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeProtocolError means a reply arrived but was semantically
	// wrong, e.g. a mismatched acknowledgement.
	ErrCodeProtocolError ErrorCode = "PROTOCOL_ERROR"
	// ErrCodeTransportError means an I/O failure during byte transfer or
	// a local filesystem fallback.
	ErrCodeTransportError ErrorCode = "TRANSPORT_ERROR"
)

// Error captures a typed broker error.
type Error struct {
	Code    ErrorCode
	Message string
}

// Error returns the error message.
func (e *Error) Error() string {
	if e == nil {
		return "broker error: <nil>"
	}
	if e.Message == "" {
		return fmt.Sprintf("broker error: %s", e.Code)
	}
	return e.Message
}

// NewError constructs a typed broker error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsError extracts a typed broker error from the error chain.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// IsCode reports whether the error chain carries the given broker code.
func IsCode(err error, code ErrorCode) bool {
	typed, ok := AsError(err)
	return ok && typed.Code == code
}
