package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// APIError is the generic non-2xx failure returned by the remote API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("apiclient: %s (status=%d)", e.Message, e.Status)
	}
	return fmt.Sprintf("apiclient: http status %d", e.Status)
}

// NetworkError means no server reply was received at all.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("apiclient: network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthenticationError is a 401. The transport never retries these; the
// session is cleared and a login redirect is signalled before it propagates.
type AuthenticationError struct {
	APIError
}

// AuthorizationError is a 403.
type AuthorizationError struct {
	APIError
}

// ValidationError is a 400 carrying field-level messages.
type ValidationError struct {
	APIError
	Fields map[string]string
}

// classify maps a non-2xx response onto the error taxonomy. The message is
// taken from the response envelope when one is present, otherwise from the
// raw body.
func classify(status int, body []byte) error {
	var env struct {
		Message string            `json:"message"`
		Code    string            `json:"code"`
		Errors  map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Message == "" {
		msg := string(body)
		if len(msg) > 300 {
			msg = msg[:300]
		}
		if env.Message == "" {
			env.Message = msg
		}
	}

	base := APIError{Status: status, Code: env.Code, Message: env.Message}
	switch status {
	case http.StatusUnauthorized:
		return &AuthenticationError{APIError: base}
	case http.StatusForbidden:
		return &AuthorizationError{APIError: base}
	case http.StatusBadRequest:
		return &ValidationError{APIError: base, Fields: env.Errors}
	default:
		return &base
	}
}

// Retryable reports whether an operation that failed with err may be
// attempted again. Client-mistake failures (4xx, auth, validation) are
// final; connectivity failures and server faults are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Checked before the deadline sentinel: the http client reports its
	// fixed per-request timeout as a wrapped context.DeadlineExceeded, and a
	// timed-out request is a connectivity failure, not a caller walking away.
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return false
	}
	var authzErr *AuthorizationError
	if errors.As(err, &authzErr) {
		return false
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Every 4xx is a server verdict on this request, 429 included:
		// replaying it inside the backoff window only burns more quota.
		return apiErr.Status >= 500
	}

	// Errors outside the taxonomy did not come from a server verdict.
	return true
}
