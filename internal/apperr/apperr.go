// Package apperr provides the unified error taxonomy used across the CA
// aggregate, the Publication Server aggregate, and the façades that front
// them.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a stable, machine-readable error category.
type Code string

const (
	// Validation errors (command preconditions unmet).
	CodeUnknownHandle      Code = "VAL_DUPLICATE_OR_UNKNOWN_HANDLE"
	CodeDuplicateHandle    Code = "VAL_DUPLICATE_HANDLE"
	CodeInvalidResources   Code = "VAL_RESOURCES_NOT_HELD"
	CodeInvalidRequest     Code = "VAL_INVALID_REQUEST"
	CodeJailOverlap        Code = "VAL_JAIL_OVERLAP"
	CodeUriOutsideJail     Code = "VAL_URI_OUTSIDE_JAIL"
	CodeObjectAlreadyExist Code = "VAL_OBJECT_ALREADY_PRESENT"
	CodeNoObjectForHash    Code = "VAL_NO_OBJECT_FOR_HASH_OR_URI"
	CodeDuplicateURI       Code = "VAL_DUPLICATE_URI_IN_DELTA"

	// Concurrency.
	CodeConcurrentModification Code = "CONC_MODIFICATION"

	// Signer.
	CodeSignerFailure Code = "SIGNER_FAILURE"

	// Persistence.
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"

	// Remote peer.
	CodeRemotePeerError Code = "REMOTE_PEER_ERROR"

	// Generic.
	CodeInternal          Code = "INTERNAL"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeUnauthorized      Code = "UNAUTHORIZED"
)

// Error is a structured error carrying a stable code, a human-readable
// message, the HTTP status the API layer should map it to, and an optional
// wrapped cause.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a debugging detail and returns the same error for
// chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds an *Error with no wrapped cause.
func New(code Code, status int, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

// Wrap builds an *Error around an existing cause.
func Wrap(code Code, status int, message string, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Validation-layer constructors (spec.md §7: surfaced to caller, aggregate
// unchanged).

func UnknownHandle(namespace, handle string) *Error {
	return New(CodeUnknownHandle, http.StatusNotFound, "unknown handle").
		WithDetail("namespace", namespace).WithDetail("handle", handle)
}

func DuplicateHandle(namespace, handle string) *Error {
	return New(CodeDuplicateHandle, http.StatusConflict, "handle already exists").
		WithDetail("namespace", namespace).WithDetail("handle", handle)
}

func ResourcesNotHeld(want, have string) *Error {
	return New(CodeInvalidResources, http.StatusForbidden, "requested resources exceed held resources").
		WithDetail("requested", want).WithDetail("held", have)
}

func InvalidRequest(reason string) *Error {
	return New(CodeInvalidRequest, http.StatusBadRequest, reason)
}

func JailOverlap(a, b string) *Error {
	return New(CodeJailOverlap, http.StatusConflict, "publisher jail overlaps an existing publisher").
		WithDetail("jail", a).WithDetail("other", b)
}

func UriOutsideJail(uri, jail string) *Error {
	return New(CodeUriOutsideJail, http.StatusForbidden, "URI is outside the publisher's jail").
		WithDetail("uri", uri).WithDetail("jail", jail)
}

func ObjectAlreadyPresent(uri string) *Error {
	return New(CodeObjectAlreadyExist, http.StatusConflict, "object already present for publish").
		WithDetail("uri", uri)
}

func NoObjectForHashAndOrUri(uri string) *Error {
	return New(CodeNoObjectForHash, http.StatusNotFound, "no object for hash and/or uri").
		WithDetail("uri", uri)
}

func DuplicateURIInDelta(uri string) *Error {
	return New(CodeDuplicateURI, http.StatusBadRequest, "delta touches the same URI twice").
		WithDetail("uri", uri)
}

// ConcurrentModification signals that the façade's loaded version is stale.
func ConcurrentModification(handle string, expected, actual int) *Error {
	return New(CodeConcurrentModification, http.StatusConflict, "aggregate was modified concurrently").
		WithDetail("handle", handle).WithDetail("expected_version", expected).WithDetail("actual_version", actual)
}

// SignerFailure wraps a key-creation or signing failure.
func SignerFailure(op string, err error) *Error {
	return Wrap(CodeSignerFailure, http.StatusInternalServerError, "signer operation failed: "+op, err)
}

// PersistenceFailure wraps an Aggregate Store read/write failure.
func PersistenceFailure(op string, err error) *Error {
	return Wrap(CodePersistenceFailure, http.StatusInternalServerError, "persistence operation failed: "+op, err)
}

// RemotePeerFailure wraps a timeout/HTTP error talking to a remote
// parent/publisher.
func RemotePeerFailure(peer string, err error) *Error {
	return Wrap(CodeRemotePeerError, http.StatusBadGateway, "remote peer error: "+peer, err)
}

func Internal(message string, err error) *Error {
	return Wrap(CodeInternal, http.StatusInternalServerError, message, err)
}

func RateLimitExceeded(limit int, window string) *Error {
	return New(CodeRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded").
		WithDetail("limit", limit).WithDetail("window", window)
}

func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, http.StatusUnauthorized, message)
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus returns the HTTP status an error should map to, defaulting to
// 500 for errors that are not *Error.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsConcurrentModification reports whether err is a concurrency conflict,
// used by façades to decide whether to retry.
func IsConcurrentModification(err error) bool {
	e, ok := As(err)
	return ok && e.Code == CodeConcurrentModification
}
