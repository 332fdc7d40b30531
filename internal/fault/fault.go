// Package fault defines the error taxonomy shared by every Renfield
// subsystem. Each error carries a [Kind] that maps to a stable wire-level
// code and an HTTP status, so that transports can translate internal failures
// without inspecting error strings.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and wire encoding.
type Kind int

const (
	// InternalError is a programming error; returned with an opaque id.
	InternalError Kind = iota

	// InputInvalid is a malformed request, schema mismatch, or oversize payload.
	InputInvalid

	// AuthFailed is a missing or invalid credential.
	AuthFailed

	// PermissionDenied means authentication succeeded but the permission
	// taxonomy rejected the operation.
	PermissionDenied

	// ResourceNotFound is an unknown session, conversation, document, tool,
	// or device.
	ResourceNotFound

	// RateLimited means a token bucket was exhausted.
	RateLimited

	// CircuitOpen means a circuit breaker rejected the call without side
	// effects.
	CircuitOpen

	// LLMUnavailable is an LLM call failure.
	LLMUnavailable

	// LLMMalformedOutput is a schema-validation failure after the repair retry.
	LLMMalformedOutput

	// ToolFailed means a capability server returned an error payload.
	ToolFailed

	// Timeout is a per-operation or total-run deadline exceeded.
	Timeout

	// Cancelled is a completed cooperative cancellation.
	Cancelled
)

// Code returns the stable wire-level error code for the kind.
func (k Kind) Code() string {
	switch k {
	case InputInvalid:
		return "input_invalid"
	case AuthFailed:
		return "auth_failed"
	case PermissionDenied:
		return "permission_denied"
	case ResourceNotFound:
		return "not_found"
	case RateLimited:
		return "rate_limited"
	case CircuitOpen:
		return "circuit_open"
	case LLMUnavailable:
		return "llm_unavailable"
	case LLMMalformedOutput:
		return "llm_malformed_output"
	case ToolFailed:
		return "tool_failed"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "internal_error"
	}
}

// HTTPStatus returns the HTTP response status for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case InputInvalid:
		return http.StatusBadRequest
	case AuthFailed:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case ResourceNotFound:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	case CircuitOpen, LLMUnavailable:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case ToolFailed, LLMMalformedOutput:
		return http.StatusBadGateway
	case Cancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Use [New] or [Wrap] to construct one and
// [KindOf] to recover the classification from a wrapped chain.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil when err is nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the [Kind] of err, walking the wrap chain. Context errors
// are mapped to Timeout / Cancelled; everything unclassified is
// InternalError.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Cancelled
	}
	return InternalError
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	for errors.As(err, &fe) {
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
		if err == nil {
			break
		}
	}
	return false
}
