// Package errors defines the service error taxonomy shared by all handlers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure in API responses.
type ErrorCode string

const (
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeInternal          ErrorCode = "INTERNAL"
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Event-code redemption outcomes.
	CodeInvalidCode ErrorCode = "INVALID_CODE"
	CodeCodeUsed    ErrorCode = "CODE_USED"
)

// ServiceError carries a stable code, a caller-safe message and the HTTP
// status the handler shell should respond with. Internal causes are kept in
// Err and never serialized.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair for logging and API responses.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Unauthorized indicates a missing or unresolvable credential.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "unauthorized"
	}
	return &ServiceError{Code: CodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// InvalidToken indicates a credential that failed validation.
func InvalidToken(err error) *ServiceError {
	return &ServiceError{Code: CodeInvalidToken, Message: "invalid token", HTTPStatus: http.StatusUnauthorized, Err: err}
}

// InvalidRequest indicates missing or malformed input fields.
func InvalidRequest(message string) *ServiceError {
	if message == "" {
		message = "invalid request"
	}
	return &ServiceError{Code: CodeInvalidRequest, Message: message, HTTPStatus: http.StatusUnprocessableEntity}
}

// Forbidden indicates a business-rule rejection: self-purchase, out of stock,
// already purchased, insufficient balance, unverified identity.
func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "forbidden"
	}
	return &ServiceError{Code: CodeForbidden, Message: message, HTTPStatus: http.StatusForbidden}
}

// NotFound indicates a referenced document that does not exist. Missing
// documents mid-saga are server problems, not caller mistakes, so this maps
// to 500 at the HTTP boundary.
func NotFound(message string) *ServiceError {
	if message == "" {
		message = "not found"
	}
	return &ServiceError{Code: CodeNotFound, Message: message, HTTPStatus: http.StatusInternalServerError}
}

// Internal indicates a read/write failure or a saga that required rollback.
func Internal(message string, err error) *ServiceError {
	if message == "" {
		message = "internal error"
	}
	return &ServiceError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// InvalidCode indicates an unknown redemption code.
func InvalidCode() *ServiceError {
	return &ServiceError{Code: CodeInvalidCode, Message: "invalid code", HTTPStatus: http.StatusForbidden}
}

// CodeUsed indicates a redemption code that was already consumed.
func CodeUsed() *ServiceError {
	return &ServiceError{Code: CodeCodeUsed, Message: "code already used", HTTPStatus: http.StatusForbidden}
}

// RateLimitExceeded indicates the caller exceeded the request budget.
func RateLimitExceeded(limit int, window string) *ServiceError {
	e := &ServiceError{Code: CodeRateLimitExceeded, Message: "rate limit exceeded", HTTPStatus: http.StatusTooManyRequests}
	return e.WithDetails("limit", limit).WithDetails("window", window)
}

// GetServiceError extracts a *ServiceError from an error chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
