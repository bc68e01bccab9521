// Package routererrors defines the sentinel error kinds the router's
// handlers map to HTTP responses, per the error table in the routing
// specification.
package routererrors

import (
	"errors"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Kind is one of the enumerated router error kinds.
type Kind string

const (
	KindModelNotAvailable     Kind = "model_not_available"
	KindNoEnginesAvailable    Kind = "no_engines_available"
	KindUpstreamConnectFailed Kind = "upstream_connect_failure"
	KindUpstreamError         Kind = "upstream_error"
	KindConfigInvalid         Kind = "config_invalid"
	KindTimeout               Kind = "timeout"
)

// Error is a router-domain error carrying enough information for the
// HTTP surface to produce the right status code and JSON body.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a router Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a router Error of the given kind, wrapping cause with
// stack context via github.com/pkg/errors.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: pkgerrors.Wrap(cause, message)}
}

// ModelNotAvailable builds the error surfaced when no engine serves the
// requested model.
func ModelNotAvailable(model string) *Error {
	return New(KindModelNotAvailable, "no engine serves model "+model)
}

// NoEnginesAvailable builds the error surfaced when the routing strategy
// finds zero eligible candidates for reasons other than model mismatch.
func NoEnginesAvailable(reason string) *Error {
	return New(KindNoEnginesAvailable, "no engines available: "+reason)
}

// HTTPStatus maps a Kind to the response status code from the error
// handling table.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindModelNotAvailable, KindNoEnginesAvailable:
		return http.StatusServiceUnavailable
	case KindUpstreamConnectFailed:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConfigInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// As extracts a *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
