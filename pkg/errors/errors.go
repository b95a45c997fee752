package errors

import (
	"fmt"
	"time"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInitialization     ErrorCode = "INITIALIZATION_FAILED"
	ErrCodeAlreadyInitialized ErrorCode = "ALREADY_INITIALIZED"
	ErrCodeMediaAcquisition   ErrorCode = "MEDIA_ACQUISITION_FAILED"
	ErrCodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceUnavailable  ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeNegotiation        ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeTransport          ErrorCode = "TRANSPORT_FAILED"
	ErrCodeControlChannel     ErrorCode = "CONTROL_CHANNEL_FAILED"
)

// CallError represents a call-setup or transport error with code and
// recoverability. Recoverable errors may be retried by the host with a
// fresh call attempt; unrecoverable ones require a new initialization.
type CallError struct {
	Code        ErrorCode
	Message     string
	Recoverable bool
	Timestamp   time.Time
	Cause       error
}

// Error implements error interface
func (e *CallError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *CallError) Unwrap() error {
	return e.Cause
}

// NewCallError creates a new call error
func NewCallError(code ErrorCode, message string, recoverable bool) *CallError {
	return &CallError{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Timestamp:   time.Now(),
	}
}

// WrapError wraps an existing error with a call error
func WrapError(err error, code ErrorCode, message string, recoverable bool) *CallError {
	return &CallError{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Timestamp:   time.Now(),
		Cause:       err,
	}
}

// Common error constructors
func NewInitializationError(err error, message string) *CallError {
	return WrapError(err, ErrCodeInitialization, message, false)
}

func NewAlreadyInitializedError() *CallError {
	return NewCallError(ErrCodeAlreadyInitialized, "initialize called twice without destroy", false)
}

func NewMediaAcquisitionError(err error, message string) *CallError {
	return WrapError(err, ErrCodeMediaAcquisition, message, true)
}

func NewPermissionDeniedError(err error) *CallError {
	return WrapError(err, ErrCodePermissionDenied, "microphone permission denied", true)
}

func NewDeviceUnavailableError(err error) *CallError {
	return WrapError(err, ErrCodeDeviceUnavailable, "audio capture device unavailable", true)
}

func NewNegotiationError(err error, message string) *CallError {
	return WrapError(err, ErrCodeNegotiation, message, false)
}

func NewTransportError(message string) *CallError {
	return NewCallError(ErrCodeTransport, message, true)
}

func NewControlChannelError(err error, message string) *CallError {
	return WrapError(err, ErrCodeControlChannel, message, true)
}

// IsCallError checks if error is a CallError
func IsCallError(err error) bool {
	_, ok := err.(*CallError)
	return ok
}

// GetCallError extracts CallError from error chain
func GetCallError(err error) *CallError {
	if err == nil {
		return nil
	}

	if callErr, ok := err.(*CallError); ok {
		return callErr
	}

	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return GetCallError(unwrapper.Unwrap())
	}

	return nil
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	callErr := GetCallError(err)
	return callErr != nil && callErr.Code == code
}
