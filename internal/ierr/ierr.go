// Package ierr defines the uniform error vocabulary used across the
// escrow orchestrator. Every component that can fail across a component
// boundary returns an *Error carrying one of the fixed Kinds below instead
// of an ad-hoc error string, so the HTTP surface can translate it to a
// {statusCode, message} envelope in exactly one place.
package ierr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds the HTTP surface and internal callers
// classify failures into.
type Kind string

const (
	InvalidArgument     Kind = "InvalidArgument"
	Unauthenticated     Kind = "Unauthenticated"
	Forbidden           Kind = "Forbidden"
	NotFound            Kind = "NotFound"
	AlreadyExists       Kind = "AlreadyExists"
	PreconditionFailed  Kind = "PreconditionFailed"
	Conflict            Kind = "Conflict"
	Unsupported         Kind = "Unsupported"
	Timeout             Kind = "Timeout"
	ChainAdapterUnavail Kind = "ChainAdapterUnavailable"
	SignatureInvalid    Kind = "SignatureInvalid"
	Internal            Kind = "Internal"
)

// Error is the single carrier type for every domain failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Payload optionally carries a response body a caller should return
	// alongside the error, e.g. CreatePurchase's AlreadyExists response
	// must echo the existing entity.
	Payload interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, ierr.New(ierr.NotFound, "")) style comparisons against
// a kind marker constructed with New(kind, "").
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithPayload attaches a response payload to an existing error, used by
// CreatePurchase's idempotent-AlreadyExists contract.
func (e *Error) WithPayload(payload interface{}) *Error {
	e.Payload = payload
	return e
}

// KindOf extracts the Kind from err, defaulting to Internal for errors
// that were never classified (a programmer error we still must answer
// for across the HTTP boundary).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func InvalidArgumentf(format string, args ...interface{}) *Error {
	return New(InvalidArgument, format, args...)
}

func NotFoundf(format string, args ...interface{}) *Error {
	return New(NotFound, format, args...)
}

func PreconditionFailedf(format string, args ...interface{}) *Error {
	return New(PreconditionFailed, format, args...)
}

func Unsupportedf(format string, args ...interface{}) *Error {
	return New(Unsupported, format, args...)
}

func Internalf(format string, args ...interface{}) *Error {
	return New(Internal, format, args...)
}
