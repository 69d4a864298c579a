// Package errors defines the status-coded error model shared by services
// and handlers. Reasons are stable SCREAMING_SNAKE identifiers; messages
// are for humans.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Status is the JSON-serializable view of an Error.
type Status struct {
	Code     int32             `json:"code"`
	Reason   string            `json:"reason"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Error carries an HTTP-aligned status code, a machine reason and a
// human message. It may wrap a cause.
type Error struct {
	Status
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("error: code=%d reason=%s message=%s cause=%v", e.Code, e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("error: code=%d reason=%s message=%s", e.Code, e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code and reason so sentinels built with the constructors
// work with errors.Is.
func (e *Error) Is(target error) bool {
	var te *Error
	if stderrors.As(target, &te) {
		return te.Code == e.Code && te.Reason == e.Reason
	}
	return false
}

// WithCause returns a copy wrapping err as the cause.
func (e *Error) WithCause(err error) *Error {
	out := *e
	out.cause = err
	return &out
}

// WithMetadata returns a copy carrying md.
func (e *Error) WithMetadata(md map[string]string) *Error {
	out := *e
	out.Metadata = md
	return &out
}

// New builds an Error with an explicit HTTP-aligned code.
func New(code int, reason, message string) *Error {
	return &Error{Status: Status{Code: int32(code), Reason: reason, Message: message}}
}

// Newf is New with fmt.Sprintf for the message.
func Newf(code int, reason, format string, a ...any) *Error {
	return New(code, reason, fmt.Sprintf(format, a...))
}

func BadRequest(reason, message string) *Error      { return New(http.StatusBadRequest, reason, message) }
func Unauthorized(reason, message string) *Error    { return New(http.StatusUnauthorized, reason, message) }
func Forbidden(reason, message string) *Error       { return New(http.StatusForbidden, reason, message) }
func NotFound(reason, message string) *Error        { return New(http.StatusNotFound, reason, message) }
func Conflict(reason, message string) *Error        { return New(http.StatusConflict, reason, message) }
func TooManyRequests(reason, message string) *Error { return New(http.StatusTooManyRequests, reason, message) }
func Internal(reason, message string) *Error        { return New(http.StatusInternalServerError, reason, message) }
func BadGateway(reason, message string) *Error      { return New(http.StatusBadGateway, reason, message) }
func Unavailable(reason, message string) *Error     { return New(http.StatusServiceUnavailable, reason, message) }

// FromError normalizes any error to *Error. Unknown errors become 500
// INTERNAL with the original error kept as cause. nil stays nil.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Internal("INTERNAL", "internal server error").WithCause(err)
}

// Code reports the HTTP code carried by err, 500 when untyped.
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return int(FromError(err).Status.Code)
}

// Reason reports the machine reason carried by err, empty when untyped.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Status.Reason
	}
	return ""
}

func IsUnauthorized(err error) bool    { return Code(err) == http.StatusUnauthorized }
func IsForbidden(err error) bool       { return Code(err) == http.StatusForbidden }
func IsNotFound(err error) bool        { return Code(err) == http.StatusNotFound }
func IsConflict(err error) bool        { return Code(err) == http.StatusConflict }
func IsTooManyRequests(err error) bool { return Code(err) == http.StatusTooManyRequests }
func IsUnavailable(err error) bool     { return Code(err) == http.StatusServiceUnavailable }
