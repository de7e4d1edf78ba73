// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package apierr defines the error kinds surfaced by the gateway API,
// their stable codes, and their HTTP statuses.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an API error.
type Kind int

// The error kinds used across the request pipeline.
const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindRateLimited
	KindBadRequest
	KindNotFound
	KindConflict
	KindValidation
	KindGuardExceeded
	KindSQLRejected
	KindUpstreamBusy
	KindUpstreamTimeout
	KindUpstreamError
	KindRLSViolation
	KindCancelled
	KindNotImplemented
)

// docsBase is the documentation root linked from error bodies.
const docsBase = "https://docs.setupranali.io/errors"

// Error is a typed API error with a stable code. It travels through the
// pipeline and is rendered once at the HTTP boundary.
type Error struct {
	Kind          Kind
	Code          string
	Status        int
	Message       string
	Suggestion    string
	Docs          string
	RetryAfter    time.Duration
	CorrelationID string

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithSuggestion attaches a human suggestion to the error.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func newError(kind Kind, code string, status int, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
		Docs:    docsBase + "#" + code,
	}
}

// Unauthenticated means the API key is missing or unknown.
func Unauthenticated(format string, args ...interface{}) *Error {
	return newError(KindUnauthenticated, "ERR_1001", http.StatusUnauthorized, format, args...)
}

// Forbidden means the identity lacks the role for the operation.
func Forbidden(format string, args ...interface{}) *Error {
	return newError(KindForbidden, "ERR_1002", http.StatusForbidden, format, args...)
}

// RateLimited means the key exceeded its admission budget.
func RateLimited(retryAfter time.Duration) *Error {
	err := newError(KindRateLimited, "ERR_1003", http.StatusTooManyRequests,
		"rate limit exceeded, retry after %s", retryAfter.Truncate(time.Millisecond))
	err.RetryAfter = retryAfter
	err.Suggestion = "reduce request frequency or request a higher rate class"
	return err
}

// BadRequest means the request shape is invalid.
func BadRequest(format string, args ...interface{}) *Error {
	return newError(KindBadRequest, "ERR_2000", http.StatusBadRequest, format, args...)
}

// NotFound means a named entity does not exist.
func NotFound(entity, name string) *Error {
	return newError(KindNotFound, "ERR_2001", http.StatusNotFound, "%s %q not found", entity, name)
}

// Validation means a field failed semantic validation.
func Validation(field, issue string) *Error {
	return newError(KindValidation, "ERR_2002", http.StatusUnprocessableEntity,
		"invalid %s: %s", field, issue)
}

// GuardExceeded means a configured cap was exceeded before or during execution.
func GuardExceeded(kind string, limit int) *Error {
	return newError(KindGuardExceeded, "ERR_2003", http.StatusBadRequest,
		"%s exceeds the configured limit of %d", kind, limit)
}

// Conflict means the entity already exists or is in a conflicting state.
func Conflict(format string, args ...interface{}) *Error {
	return newError(KindConflict, "ERR_2004", http.StatusConflict, format, args...)
}

// NotImplemented means the endpoint has no registered collaborator.
func NotImplemented(what string) *Error {
	return newError(KindNotImplemented, "ERR_2005", http.StatusNotImplemented,
		"%s is not configured on this gateway", what)
}

// SQLRejected means the safety gate refused the statement.
func SQLRejected(reason string) *Error {
	err := newError(KindSQLRejected, "ERR_3001", http.StatusBadRequest,
		"sql rejected: %s", reason)
	err.Suggestion = "only a single read-only SELECT statement is accepted"
	return err
}

// RLSViolation means row-level security could not be enforced.
func RLSViolation(format string, args ...interface{}) *Error {
	return newError(KindRLSViolation, "ERR_3002", http.StatusForbidden, format, args...)
}

// UpstreamBusy means no connection became available within the wait deadline.
func UpstreamBusy(source string) *Error {
	err := newError(KindUpstreamBusy, "ERR_4001", http.StatusServiceUnavailable,
		"upstream %q has no free connections", source)
	err.Suggestion = "retry shortly or raise the source pool size"
	return err
}

// UpstreamTimeout means the statement exceeded its deadline.
func UpstreamTimeout(source string) *Error {
	return newError(KindUpstreamTimeout, "ERR_4002", http.StatusGatewayTimeout,
		"upstream %q did not answer within the deadline", source)
}

// UpstreamError wraps a failure reported by the upstream engine.
func UpstreamError(source string, cause error) *Error {
	err := newError(KindUpstreamError, "ERR_4003", http.StatusBadGateway,
		"upstream %q failed: %v", source, cause)
	err.cause = cause
	return err
}

// Cancelled means the caller went away before the request completed.
func Cancelled() *Error {
	return newError(KindCancelled, "ERR_5001", 499, "request cancelled")
}

// Internal hides an unexpected failure behind a correlation id.
func Internal(cause error) *Error {
	id := uuid.NewString()
	err := newError(KindInternal, "ERR_5000", http.StatusInternalServerError,
		"internal error, correlation id %s", id)
	err.CorrelationID = id
	err.cause = cause
	return err
}

// Wrap coerces an arbitrary error into an *Error. Typed errors pass
// through, context errors map to their kinds, anything else is Internal.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return UpstreamTimeout("request")
	}
	return Internal(err)
}

// Body is the JSON wire shape of an error response.
type Body struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		Suggestion string `json:"suggestion,omitempty"`
		Docs       string `json:"docs,omitempty"`
	} `json:"error"`
}

// ToBody renders the error as its wire shape.
func (e *Error) ToBody() Body {
	var body Body
	body.Error.Code = e.Code
	body.Error.Message = e.Message
	body.Error.Suggestion = e.Suggestion
	body.Error.Docs = e.Docs
	return body
}
