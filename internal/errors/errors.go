// Package errors defines the service error taxonomy and its HTTP mapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeDependencyUnsatisfied Code = "DEPENDENCY_UNSATISFIED"
	CodeNoHandlerFound        Code = "NO_HANDLER_FOUND"
	CodeStore                 Code = "STORE_ERROR"
	CodeBroker                Code = "BROKER_ERROR"
	CodeUnknownService        Code = "UNKNOWN_SERVICE"
	CodeRateLimitExceeded     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// ServiceError is a classified error with an HTTP status.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements error.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches any ServiceError with the same code, so errors.Is(err, Sentinel(code))
// works across wrapping.
func (e *ServiceError) Is(target error) bool {
	var t *ServiceError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail attaches a detail field and returns the error.
func (e *ServiceError) WithDetail(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinel values for errors.Is comparisons.
var (
	ErrValidation            = &ServiceError{Code: CodeValidation}
	ErrDependencyUnsatisfied = &ServiceError{Code: CodeDependencyUnsatisfied}
	ErrNoHandlerFound        = &ServiceError{Code: CodeNoHandlerFound}
	ErrStore                 = &ServiceError{Code: CodeStore}
	ErrBroker                = &ServiceError{Code: CodeBroker}
	ErrUnknownService        = &ServiceError{Code: CodeUnknownService}
)

// Validation reports a missing or malformed input field.
func Validation(message string) *ServiceError {
	return &ServiceError{Code: CodeValidation, Message: message, HTTPStatus: http.StatusBadRequest}
}

// DependencyUnsatisfied reports a registration whose dependency is absent or not running.
func DependencyUnsatisfied(depID string) *ServiceError {
	return (&ServiceError{
		Code:       CodeDependencyUnsatisfied,
		Message:    "Dépendance non satisfaite: " + depID,
		HTTPStatus: http.StatusConflict,
	}).WithDetail("dependency", depID)
}

// NoHandlerFound reports a message no registered handler claimed.
func NoHandlerFound(message string) *ServiceError {
	return &ServiceError{Code: CodeNoHandlerFound, Message: message, HTTPStatus: http.StatusUnprocessableEntity}
}

// Store wraps a key-value store failure.
func Store(op string, err error) *ServiceError {
	return &ServiceError{
		Code:       CodeStore,
		Message:    "store " + op + " failed",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Broker wraps a message broker failure.
func Broker(op string, err error) *ServiceError {
	return &ServiceError{
		Code:       CodeBroker,
		Message:    "broker " + op + " failed",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// UnknownService reports an id the registry does not hold.
func UnknownService(id string) *ServiceError {
	return (&ServiceError{
		Code:       CodeUnknownService,
		Message:    "unknown service: " + id,
		HTTPStatus: http.StatusNotFound,
	}).WithDetail("service_id", id)
}

// RateLimitExceeded reports a throttled client.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return (&ServiceError{
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}).WithDetail("limit", limit).WithDetail("window", window)
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return &ServiceError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var se *ServiceError
	if !stderrors.As(err, &se) {
		return false
	}
	return se.Code == code
}

// HTTPStatus returns the HTTP status for err, 500 when unclassified.
func HTTPStatus(err error) int {
	var se *ServiceError
	if stderrors.As(err, &se) && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}
