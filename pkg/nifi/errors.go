package nifi

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError is returned when the flow engine refuses to issue an access token.
// No remote state exists when it occurs.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("nifi authentication failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("nifi authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// APIError is a non-success answer from the flow engine REST API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nifi %s returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsRetryable reports whether the request may succeed when resent unchanged.
// A stale revision is not: the caller must re-fetch the revision first.
func (e *APIError) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsStaleRevision reports whether err is the engine rejecting a mutation
// because the supplied revision is no longer current.
func IsStaleRevision(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is a 404 from the engine.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
