// Package errors provides the application error types shared by the agent
// plane: unknown agents, duplicate registrations, unsupported plugin
// operations and an unreachable container runtime.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeUnsupported        = "UNSUPPORTED_OPERATION"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Sentinels matched with errors.Is. Every AppError built by the
// constructors below unwraps to one of these.
var (
	ErrUnknownAgent         = errors.New("unknown agent")
	ErrDuplicateAgent       = errors.New("agent already registered")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrRuntimeUnavailable   = errors.New("runtime unavailable")
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// UnknownAgent reports an operation against an agent ID with no local record.
func UnknownAgent(message string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    message,
		HTTPStatus: http.StatusNotFound,
		Err:        ErrUnknownAgent,
	}
}

// DuplicateAgent reports a second registration for the same agent ID.
func DuplicateAgent(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    fmt.Sprintf("agent %s is already registered", agentID),
		HTTPStatus: http.StatusConflict,
		Err:        ErrDuplicateAgent,
	}
}

// Unsupported reports a plugin asked to perform an operation its
// capabilities do not advertise.
func Unsupported(pluginName, operation string) *AppError {
	return &AppError{
		Code:       ErrCodeUnsupported,
		Message:    fmt.Sprintf("plugin %s does not support %s", pluginName, operation),
		HTTPStatus: http.StatusNotImplemented,
		Err:        ErrUnsupportedOperation,
	}
}

// RuntimeUnavailable reports that a container runtime could not be reached.
func RuntimeUnavailable(runtime string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("runtime %s is unavailable: %v", runtime, err),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        errors.Join(ErrRuntimeUnavailable, err),
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
