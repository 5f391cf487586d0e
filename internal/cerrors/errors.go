// Package cerrors provides domain-specific error types for dnsfence.
//
// This package defines structured errors with error codes, making it easier
// to handle and test different error conditions consistently across the
// application.
package cerrors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of error that can occur in the application.
type ErrorCode string

const (
	// ErrCodeConfig indicates a configuration-related error.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"

	// ErrCodeTunnel indicates an error establishing or driving the tunnel device.
	ErrCodeTunnel ErrorCode = "TUNNEL_ERROR"

	// ErrCodeAddress indicates a fake-address allocation or mapping error.
	ErrCodeAddress ErrorCode = "ADDRESS_ERROR"

	// ErrCodePolicy indicates an error loading or querying the host policy store.
	ErrCodePolicy ErrorCode = "POLICY_ERROR"

	// ErrCodeUpstream indicates an error talking to an upstream resolver.
	ErrCodeUpstream ErrorCode = "UPSTREAM_ERROR"

	// ErrCodeRedirect indicates an error managing DNS redirection rules.
	ErrCodeRedirect ErrorCode = "REDIRECT_ERROR"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error represents a domain-specific error with an error code and optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error for errors.Is and errors.As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code})
}

// New creates a new domain error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new domain error wrapping an existing error.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, cause error) *Error {
	return Wrap(ErrCodeConfig, message, cause)
}

// NewTunnelError creates a new tunnel device error.
func NewTunnelError(message string, cause error) *Error {
	return Wrap(ErrCodeTunnel, message, cause)
}

// NewAddressError creates a new fake-address mapping error.
func NewAddressError(message string, cause error) *Error {
	return Wrap(ErrCodeAddress, message, cause)
}

// NewPolicyError creates a new host policy error.
func NewPolicyError(message string, cause error) *Error {
	return Wrap(ErrCodePolicy, message, cause)
}

// NewUpstreamError creates a new upstream resolver error.
func NewUpstreamError(message string, cause error) *Error {
	return Wrap(ErrCodeUpstream, message, cause)
}

// NewRedirectError creates a new DNS redirection error.
func NewRedirectError(message string, cause error) *Error {
	return Wrap(ErrCodeRedirect, message, cause)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCodeInternal, message, cause)
}
