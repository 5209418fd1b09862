package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a failure kind. Signaling replies and HTTP responses
// are derived from it.
type ErrorCode string

const (
	ErrCodeAlreadyViewing     ErrorCode = "ALREADY_VIEWING"
	ErrCodeMediaConnection    ErrorCode = "MEDIA_CONNECTION"
	ErrCodePipelineCreation   ErrorCode = "PIPELINE_CREATION"
	ErrCodeSourceCreation     ErrorCode = "SOURCE_CREATION"
	ErrCodeEndpointCreation   ErrorCode = "ENDPOINT_CREATION"
	ErrCodeNegotiation        ErrorCode = "NEGOTIATION"
	ErrCodeSourceConnect      ErrorCode = "SOURCE_CONNECT"
	ErrCodeSessionCancelled   ErrorCode = "SESSION_CANCELLED"
	ErrCodeInvalidMessage     ErrorCode = "INVALID_MESSAGE"
	ErrCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
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

// Is reports whether target is an *AppError with the same code, so that
// errors.Is(err, errors.NewAppError(code, "", 0)) matches by kind.
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

func NewAlreadyViewingError() *AppError {
	return NewAppError(ErrCodeAlreadyViewing,
		"You are already viewing in this session. Use a different browser to add additional viewers.",
		http.StatusConflict)
}

func NewMediaConnectionError(uri string, cause error) *AppError {
	return WrapError(cause, ErrCodeMediaConnection, fmt.Sprintf("could not connect to media server %s", uri), http.StatusBadGateway)
}

func NewPipelineCreationError(cause error) *AppError {
	return WrapError(cause, ErrCodePipelineCreation, "could not create media pipeline", http.StatusBadGateway)
}

func NewSourceCreationError(cause error) *AppError {
	return WrapError(cause, ErrCodeSourceCreation, "could not create source endpoint", http.StatusBadGateway)
}

func NewEndpointCreationError(cause error) *AppError {
	return WrapError(cause, ErrCodeEndpointCreation, "could not create sink endpoint", http.StatusBadGateway)
}

func NewNegotiationError(cause error) *AppError {
	return WrapError(cause, ErrCodeNegotiation, "sdp negotiation failed", http.StatusBadGateway)
}

func NewSourceConnectError(cause error) *AppError {
	return WrapError(cause, ErrCodeSourceConnect, "could not connect source to sink", http.StatusBadGateway)
}

func NewSessionCancelledError(cause error) *AppError {
	return WrapError(cause, ErrCodeSessionCancelled, "viewer stopped before negotiation completed", http.StatusConflict)
}

func NewInvalidMessageError(raw string) *AppError {
	return NewAppError(ErrCodeInvalidMessage, "Invalid message "+raw, http.StatusBadRequest)
}

func NewInvalidRequestError(cause error) *AppError {
	return WrapError(cause, ErrCodeInvalidRequest, cause.Error(), http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
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

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &AppError{Code: code})
}
