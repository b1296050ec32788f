package cloudapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// APIError is a structured rejection from the cloud: the request arrived,
// was understood, and was refused. Anything else (DNS, TCP, timeout, 5xx
// body that is not an envelope) surfaces as a plain wrapped error, so
// callers can split "the cloud said no" from "the cloud is unreachable".
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cloudapi: %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("cloudapi: %s (status %d): %s", e.Code, e.Status, e.Message)
}

// AsAPIError unwraps err to an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsConflict reports whether the cloud rejected the request as a domain
// conflict (409). Conflicts are permanent for a given event: retrying the
// same payload can never succeed.
func IsConflict(err error) bool {
	ae, ok := AsAPIError(err)
	return ok && ae.Status == http.StatusConflict
}

// IsNotFound reports a 404 rejection.
func IsNotFound(err error) bool {
	ae, ok := AsAPIError(err)
	return ok && ae.Status == http.StatusNotFound
}

// IsBadRequest reports a 400 rejection.
func IsBadRequest(err error) bool {
	ae, ok := AsAPIError(err)
	return ok && ae.Status == http.StatusBadRequest
}

// IsTransient reports whether the failure is worth retrying: transport
// errors, timeouts and 5xx answers. 4xx rejections are final.
func IsTransient(err error) bool {
	ae, ok := AsAPIError(err)
	if !ok {
		return true
	}
	return ae.Status >= 500
}

func apiErrorFrom(status int, raw []byte) error {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(raw, &env)
	code := env.Error.Code
	if code == "" {
		code = env.Detail
	}
	if code == "" {
		code = http.StatusText(status)
	}
	return &APIError{Status: status, Code: code, Message: env.Error.Message}
}
