package types

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ID represents a unique identifier
type ID string

// String returns the string representation of the ID
func (i ID) String() string {
	return string(i)
}

// IsEmpty returns true if the ID is empty
func (i ID) IsEmpty() bool {
	return string(i) == ""
}

// GenerateID generates a new unique identifier
func GenerateID() ID {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err == nil {
		return ID(hex.EncodeToString(b))
	}
	// Fallback to time-based ID
	return ID(hex.EncodeToString([]byte(time.Now().String())))
}

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
// A target with an empty code matches any *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode checks if an error, or any error it wraps, has a specific error code
func IsErrCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInvalid            = "INVALID"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeNotRegistered      = "NOT_REGISTERED"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeHandlerFailed      = "HANDLER_FAILED"
	ErrCodePartialFailure     = "PARTIAL_FAILURE"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"
)
