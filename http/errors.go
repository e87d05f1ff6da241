package http

import (
	"errors"
	"fmt"
	"time"
)

// ClientError represents different types of REST client errors
type ClientError interface {
	error
	Type() ErrorType
}

// ErrorType defines the category of client error
type ErrorType string

const (
	NetworkError     ErrorType = "network"
	TimeoutError     ErrorType = "timeout"
	HTTPError        ErrorType = "http"
	ValidationError  ErrorType = "validation"
	InterceptorError ErrorType = "interceptor"
)

type networkError struct {
	message string
	wrapped error
}

func (e *networkError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("network error: %s: %v", e.message, e.wrapped)
	}
	return "network error: " + e.message
}

func (e *networkError) Type() ErrorType { return NetworkError }

func (e *networkError) Unwrap() error { return e.wrapped }

type timeoutError struct {
	message string
	timeout time.Duration
	wrapped error
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("timeout error: %s (timeout: %v)", e.message, e.timeout)
}

func (e *timeoutError) Type() ErrorType { return TimeoutError }

func (e *timeoutError) Unwrap() error { return e.wrapped }

// StatusError is returned for a final response outside the 2xx range.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error: %s %s returned status %d", e.Method, e.URL, e.StatusCode)
}

// Type implements ClientError.
func (e *StatusError) Type() ErrorType { return HTTPError }

type validationError struct {
	message string
	field   string
}

func (e *validationError) Error() string {
	if e.field != "" {
		return fmt.Sprintf("validation error: %s (field: %s)", e.message, e.field)
	}
	return "validation error: " + e.message
}

func (e *validationError) Type() ErrorType { return ValidationError }

type interceptorError struct {
	message string
	wrapped error
	stage   string
}

func (e *interceptorError) Error() string {
	return fmt.Sprintf("interceptor error: %s (stage: %s): %v", e.message, e.stage, e.wrapped)
}

func (e *interceptorError) Type() ErrorType { return InterceptorError }

func (e *interceptorError) Unwrap() error { return e.wrapped }

// NewNetworkError creates a new network error
func NewNetworkError(message string, wrapped error) ClientError {
	return &networkError{message: message, wrapped: wrapped}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, timeout time.Duration, wrapped error) ClientError {
	return &timeoutError{message: message, timeout: timeout, wrapped: wrapped}
}

// NewHTTPError creates a new HTTP status error
func NewHTTPError(method, url string, statusCode int, body []byte) *StatusError {
	return &StatusError{Method: method, URL: url, StatusCode: statusCode, Body: body}
}

// NewValidationError creates a new validation error
func NewValidationError(message, field string) ClientError {
	return &validationError{message: message, field: field}
}

// NewInterceptorError creates a new interceptor error
func NewInterceptorError(message, stage string, wrapped error) ClientError {
	return &interceptorError{message: message, wrapped: wrapped, stage: stage}
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	var clientErr ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type() == errorType
	}
	return false
}

// IsHTTPStatusError checks if an error is an HTTP error with a specific status code
func IsHTTPStatusError(err error, statusCode int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == statusCode
}

// IsSuccessStatus checks if a status code represents success (2xx)
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
