// Package fault defines the error taxonomy shared by the cloud and gate
// services. Callers classify failures by Kind; the HTTP layers map kinds to
// status codes and the stable Code travels in the error envelope so gate
// reconcilers can tell a permanent rejection from a transient one.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how the caller should react, not by where it
// happened.
type Kind int

const (
	// Internal is the zero value: an unexpected failure, retryable at the
	// caller's discretion.
	Internal Kind = iota
	// BadInput means the request can never succeed as written.
	BadInput
	// Unauthorized means the bearer token was missing or wrong.
	Unauthorized
	// NotFound means the referenced entity does not exist.
	NotFound
	// Conflict means the request lost a race or violates current state;
	// retrying the same payload will keep failing.
	Conflict
	// Unavailable means a dependency could not be reached.
	Unavailable
	// Timeout means a dependency did not answer in time.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case BadInput:
		return "BAD_INPUT"
	case Unauthorized:
		return "UNAUTHORIZED"
	case NotFound:
		return "NOT_FOUND"
	case Conflict:
		return "CONFLICT"
	case Unavailable:
		return "NETWORK_UNAVAILABLE"
	case Timeout:
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}

// Error carries a kind, a stable machine-readable code (UPPER_SNAKE, e.g.
// SLOT_OCCUPIED) and a human message. Code falls back to the kind name when
// empty.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	code := e.Code
	if code == "" {
		code = e.Kind.String()
	}
	if e.Msg == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", code, e.Err)
	}
	return fmt.Sprintf("%s: %s", code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, code, msg string) error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, code, format string, args ...any) error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing the chain.
func Wrap(kind Kind, code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Err: err}
}

// KindOf walks the chain and returns the first classified kind, or Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// CodeOf returns the stable code of the first classified error in the chain,
// or "INTERNAL" for unclassified errors.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Code != "" {
			return fe.Code
		}
		return fe.Kind.String()
	}
	return Internal.String()
}

// MessageOf returns the human message of the first classified error, or the
// plain Error() text for unclassified ones.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Msg != "" {
			return fe.Msg
		}
		if fe.Err != nil {
			return fe.Err.Error()
		}
		return fe.Kind.String()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// HTTPStatus maps a classified error to the status code both HTTP surfaces
// use.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case BadInput:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Unavailable:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
