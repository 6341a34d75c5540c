package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the backend, carrying whatever detail
// the server provided.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server error (%d): %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("server error (%d)", e.Status)
}

// AuthFailure reports an authoritative auth rejection. These are never
// retried; they route straight to session-expiration handling.
func (e *APIError) AuthFailure() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// SessionNotFound reports the explicit "session not found" signal, which is
// authoritative regardless of HTTP status.
func (e *APIError) SessionNotFound() bool {
	return e.Code == "session_not_found" ||
		strings.Contains(strings.ToLower(e.Detail), "session not found")
}

// CSRFInvalid reports a 403 caused by a stale or missing CSRF token.
func (e *APIError) CSRFInvalid() bool {
	return e.Status == http.StatusForbidden &&
		(e.Code == "csrf_invalid" || strings.Contains(strings.ToLower(e.Detail), "csrf"))
}

// AsAPIError unwraps err into an *APIError if there is one in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Transient reports whether an error is worth a bounded local retry.
// Auth failures and other 4xx are not transient; network errors, 5xx,
// 408 and 429 are.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := AsAPIError(err); ok {
		if apiErr.AuthFailure() || apiErr.SessionNotFound() {
			return false
		}
		return transientStatus(apiErr.Status)
	}
	// Anything that never reached the server is assumed transient.
	return true
}

func transientStatus(status int) bool {
	if status >= 500 && status < 600 {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}
