// Package apierr is the dispatcher's closed HTTP error taxonomy: every
// non-2xx handler response is rendered through WriteJSON from one of a
// fixed set of constructors, never an ad hoc http.Error string.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Code is the closed set of error codes carried in the error envelope.
type Code string

const (
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeResourceNotFound   Code = "RESOURCE_NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

var httpStatus = map[Code]int{
	CodeBadRequest:         http.StatusBadRequest,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeResourceNotFound:   http.StatusNotFound,
	CodeConflict:           http.StatusConflict,
	CodeInternalError:      http.StatusInternalServerError,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
}

// Error is the envelope's inner {code, message, details?} object.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// Status returns the HTTP status code this error's Code maps to.
func (e *Error) Status() int { return httpStatus[e.Code] }

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func BadRequest(message string) *Error         { return newError(CodeBadRequest, message) }
func Unauthorized(message string) *Error       { return newError(CodeUnauthorized, message) }
func Forbidden(message string) *Error          { return newError(CodeForbidden, message) }
func NotFound(message string) *Error           { return newError(CodeResourceNotFound, message) }
func Conflict(message string) *Error           { return newError(CodeConflict, message) }
func Internal(message string) *Error           { return newError(CodeInternalError, message) }
func ServiceUnavailable(message string) *Error { return newError(CodeServiceUnavailable, message) }

// WithDetails attaches additional machine-readable context.
func (e *Error) WithDetails(details string) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// envelope is the wire shape: { "error": { code, message, details? } }.
type envelope struct {
	Error *Error `json:"error"`
}

// WriteJSON renders err as the error envelope with the matching HTTP
// status code. It is the single path every dispatcher handler uses to
// report a non-2xx outcome.
func WriteJSON(w http.ResponseWriter, err *Error) {
	status := err.Status()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: err})
}
