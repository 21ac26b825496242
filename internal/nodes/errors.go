package nodes

import (
	"errors"
	"fmt"
)

// Kind classifies a node execution error. The engine uses it for retry and
// surfacing decisions.
type Kind string

const (
	KindTransient     Kind = "Transient"
	KindPermanent     Kind = "Permanent"
	KindAuth          Kind = "Auth"
	KindValidation    Kind = "Validation"
	KindResourceLimit Kind = "ResourceLimit"
	KindSecurity      Kind = "Security"
)

// Error is the typed error a node execution returns to the engine.
type Error struct {
	Message string `json:"message"`
	Kind    Kind   `json:"kind"`
	Stack   string `json:"stack,omitempty"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the engine may retry this error.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// NewError creates a typed node error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a typed node error with formatting.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause with a kind, preserving the chain for errors.Is.
func WrapError(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// AsError coerces any error into a typed node error. Untyped errors default
// to Permanent.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Kind: KindPermanent, Message: err.Error(), Cause: err}
}

// KindFromHTTPStatus maps an HTTP response status to an error kind: 429 and
// 5xx are transient, 401/403 are auth failures, other 4xx are permanent.
func KindFromHTTPStatus(status int) Kind {
	switch {
	case status == 429 || status == 408 || status >= 500:
		return KindTransient
	case status == 401 || status == 403:
		return KindAuth
	default:
		return KindPermanent
	}
}
