package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput            ErrorCode = "INVALID_INPUT"
	ErrCodeScanFailed              ErrorCode = "SCAN_FAILED"
	ErrCodeConnectFailed           ErrorCode = "CONNECT_FAILED"
	ErrCodeNoCharacteristic        ErrorCode = "NO_CHARACTERISTIC"
	ErrCodeNotConnected            ErrorCode = "NOT_CONNECTED"
	ErrCodeCollaboratorUnavailable ErrorCode = "COLLABORATOR_UNAVAILABLE"
	ErrCodeTransportSend           ErrorCode = "TRANSPORT_SEND_FAILED"
	ErrCodeHandler                 ErrorCode = "HANDLER_FAILED"
	ErrCodeLockHeld                ErrorCode = "LOCK_HELD"
	ErrCodeRateLimit               ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal                ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError by code, so errors.Is(err, &AppError{Code: X}) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message)
}

func NewScanError(err error) *AppError {
	return WrapError(err, ErrCodeScanFailed, "scan failed")
}

func NewConnectError(address string, err error) *AppError {
	return WrapError(err, ErrCodeConnectFailed, "connect failed").WithContext("address", address)
}

func NewNoCharacteristicError(address string) *AppError {
	return NewAppError(ErrCodeNoCharacteristic, "no usable write characteristic").WithContext("address", address)
}

func NewNotConnectedError() *AppError {
	return NewAppError(ErrCodeNotConnected, "link is not connected")
}

func NewCollaboratorUnavailableError(name string, err error) *AppError {
	return WrapError(err, ErrCodeCollaboratorUnavailable, fmt.Sprintf("%s unavailable", name)).
		WithContext("collaborator", name)
}

func NewTransportSendError(target string, err error) *AppError {
	return WrapError(err, ErrCodeTransportSend, "send failed").WithContext("target", target)
}

func NewHandlerError(event string, err error) *AppError {
	return WrapError(err, ErrCodeHandler, "handler failed").WithContext("event", event)
}

func NewLockHeldError(path string) *AppError {
	return NewAppError(ErrCodeLockHeld, "another instance is already running").WithContext("path", path)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded")
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

// Message returns the human readable part of err, suitable for a reply
// field. AppErrors contribute their message and cause; other errors their
// Error() text.
func Message(err error) string {
	if err == nil {
		return ""
	}
	appErr := GetAppError(err)
	if appErr == nil {
		return err.Error()
	}
	if appErr.Cause != nil {
		return fmt.Sprintf("%s: %v", appErr.Message, appErr.Cause)
	}
	return appErr.Message
}
