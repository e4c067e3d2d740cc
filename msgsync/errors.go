package msgsync

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode int

const (
	// Protocol Errors (from server error frames)
	ErrorUnknown ErrorCode = iota
	ErrorUnsupportedVersion
	ErrorUnauthorized
	ErrorInvalidMessage
	ErrorBadRequest
	ErrorAccessDenied
	ErrorRateLimited
	ErrorInternalServer

	// Client-side Errors
	ErrorConnection
	ErrorDisconnected
	ErrorTimeout
	ErrorInvalidConfig
	ErrorSerialization
	ErrorNotAuthenticated
	ErrorNoThread
	ErrorSendFailed
	ErrorReconcile
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorUnsupportedVersion:
		return "unsupported_version"
	case ErrorUnauthorized:
		return "unauthorized"
	case ErrorInvalidMessage:
		return "invalid_message"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorAccessDenied:
		return "access_denied"
	case ErrorRateLimited:
		return "rate_limited"
	case ErrorInternalServer:
		return "internal_error"
	case ErrorConnection:
		return "connection_error"
	case ErrorDisconnected:
		return "disconnected"
	case ErrorTimeout:
		return "timeout"
	case ErrorInvalidConfig:
		return "invalid_config"
	case ErrorSerialization:
		return "serialization_error"
	case ErrorNotAuthenticated:
		return "not_authenticated"
	case ErrorNoThread:
		return "no_thread"
	case ErrorSendFailed:
		return "send_failed"
	case ErrorReconcile:
		return "reconcile_failed"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// ParseErrorCode converts a protocol error code string to ErrorCode.
func ParseErrorCode(code string) ErrorCode {
	switch code {
	case "unsupported_version":
		return ErrorUnsupportedVersion
	case "unauthorized":
		return ErrorUnauthorized
	case "invalid_message":
		return ErrorInvalidMessage
	case "bad_request":
		return ErrorBadRequest
	case "access_denied":
		return ErrorAccessDenied
	case "rate_limited":
		return ErrorRateLimited
	case "internal_error":
		return ErrorInternalServer
	default:
		return ErrorUnknown
	}
}

// Error is a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (wrapped: %v)", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with an Error.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Wrapped: err,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or ErrorUnknown.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrorUnknown
}

// IsConnectionError checks if an error is a connection-related error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == ErrorConnection || e.Code == ErrorDisconnected || e.Code == ErrorTimeout
}

// IsNotAuthenticated reports whether err was caused by a missing credential.
func IsNotAuthenticated(err error) bool {
	return CodeOf(err) == ErrorNotAuthenticated
}
