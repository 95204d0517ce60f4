package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type ErrorCode string

const (
	CodeValidation  ErrorCode = "VALIDATION"
	CodeNotFound    ErrorCode = "NOT_FOUND"
	CodeConflict    ErrorCode = "CONFLICT"
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
)

// Error is the typed error surfaced to the HTTP layer for failures that
// happen before a message row exists. HTTPStatus drives the response code.
type Error struct {
	Code       ErrorCode
	HTTPStatus int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, HTTPStatus: http.StatusUnprocessableEntity, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, HTTPStatus: http.StatusNotFound, Message: msg}
}

func Conflict(msg string, cause error) *Error {
	return &Error{Code: CodeConflict, HTTPStatus: http.StatusConflict, Message: msg, Cause: cause}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimited,
		HTTPStatus: http.StatusTooManyRequests,
		Message:    "outbound rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// CircuitOpen signals locked semantics: the instance is temporarily refusing
// dispatch attempts.
func CircuitOpen(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeCircuitOpen,
		HTTPStatus: http.StatusLocked,
		Message:    "instance circuit open",
		RetryAfter: retryAfter,
	}
}

// AsError unwraps err into a *Error, or nil when it is not one.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return nil
}
