package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeConflict             ErrorCode = "CONFLICT"
	ErrCodeRateLimit            ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable   ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeRPCTimeout           ErrorCode = "RPC_TIMEOUT"
	ErrCodeDuplicateStream      ErrorCode = "DUPLICATE_STREAM"
	ErrCodeFormatUnavailable    ErrorCode = "FORMAT_UNAVAILABLE"
	ErrCodeNodeAllocationFailed ErrorCode = "NODE_ALLOCATION_FAILED"
	ErrCodeNoCapacity           ErrorCode = "NO_CAPACITY"
	ErrCodeSchedulerUnavailable ErrorCode = "SCHEDULER_UNAVAILABLE"
	ErrCodeSpreadFailed         ErrorCode = "SPREAD_FAILED"
	ErrCodeNothingToSpread      ErrorCode = "NOTHING_TO_SPREAD"
	ErrCodeAmbiguousSpreadState ErrorCode = "AMBIGUOUS_SPREAD_STATE"
	ErrCodeEarlyReleased        ErrorCode = "EARLY_RELEASED"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
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

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

func NewRPCTimeoutError(method, node string) *AppError {
	return NewAppError(ErrCodeRPCTimeout, fmt.Sprintf("%s on %s timed out", method, node), http.StatusGatewayTimeout).
		WithContext("method", method).
		WithContext("node", node)
}

func NewDuplicateStreamError(streamID, participantID string) *AppError {
	return NewAppError(ErrCodeDuplicateStream,
		fmt.Sprintf("stream %s already set for %s", streamID, participantID), http.StatusConflict).
		WithContext("stream", streamID)
}

func NewFormatUnavailableError(media string) *AppError {
	return NewAppError(ErrCodeFormatUnavailable,
		fmt.Sprintf("no available %s format", media), http.StatusUnprocessableEntity).
		WithContext("media", media)
}

func NewNodeAllocationError(purpose string, cause error) *AppError {
	return WrapError(cause, ErrCodeNodeAllocationFailed,
		fmt.Sprintf("failed to allocate %s node", purpose), http.StatusServiceUnavailable).
		WithContext("purpose", purpose)
}

func NewNoCapacityError(purpose string) *AppError {
	return NewAppError(ErrCodeNoCapacity,
		fmt.Sprintf("no %s node available", purpose), http.StatusServiceUnavailable)
}

func NewSchedulerUnavailableError(cause error) *AppError {
	return WrapError(cause, ErrCodeSchedulerUnavailable, "scheduler unavailable", http.StatusServiceUnavailable)
}

// NewSpreadFailedError reports the internal connection step that failed.
func NewSpreadFailedError(spreadID, step string, cause error) *AppError {
	return WrapError(cause, ErrCodeSpreadFailed,
		fmt.Sprintf("spread %s failed at %s", spreadID, step), http.StatusBadGateway).
		WithContext("spread", spreadID).
		WithContext("step", step)
}

func NewNothingToSpreadError(streamID string) *AppError {
	return NewAppError(ErrCodeNothingToSpread,
		fmt.Sprintf("stream %s has no audio, video or data to spread", streamID), http.StatusBadRequest)
}

func NewAmbiguousSpreadStateError(spreadID string, status string) *AppError {
	return NewAppError(ErrCodeAmbiguousSpreadState,
		fmt.Sprintf("spread %s is in ambiguous state %q", spreadID, status), http.StatusInternalServerError)
}

func NewEarlyReleasedError(what string) *AppError {
	return NewAppError(ErrCodeEarlyReleased, fmt.Sprintf("%s early released", what), http.StatusConflict)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}
