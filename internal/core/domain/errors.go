package domain

import (
	"errors"
	"fmt"
)

// Access layer errors
var (
	// ErrRefreshNeeded is returned by the executor for a first-attempt 401.
	// It never reaches callers of the access client.
	ErrRefreshNeeded = errors.New("access token rejected, refresh needed")

	ErrUnauthorized   = errors.New("unauthorized")
	ErrSessionExpired = errors.New("session expired")
	ErrRefreshFailed  = errors.New("token refresh failed")
	ErrNoRefreshToken = errors.New("no refresh token available")
	ErrLoggedOut      = errors.New("credentials were cleared")
)

// RejectedTokenError is the executor's ErrRefreshNeeded carrying the access
// token the rejected attempt was sent with
type RejectedTokenError struct {
	AccessToken string
}

func (e *RejectedTokenError) Error() string {
	return ErrRefreshNeeded.Error()
}

// Is lets errors.Is(err, ErrRefreshNeeded) match
func (e *RejectedTokenError) Is(target error) bool {
	return target == ErrRefreshNeeded
}

// ErrorKind classifies terminal HTTP errors
type ErrorKind int

const (
	KindHTTP ErrorKind = iota
	KindUnauthorized
)

// HTTPError is a terminal non-2xx response
type HTTPError struct {
	StatusCode int
	Message    string
	Kind       ErrorKind
	RequestID  string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return GenericStatusMessage(e.StatusCode)
}

// Is lets errors.Is(err, ErrUnauthorized) match unauthorized HTTP errors
func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.Kind == KindUnauthorized
}

// NewHTTPError creates an HTTP error, falling back to a status-coded message
func NewHTTPError(statusCode int, message string) *HTTPError {
	if message == "" {
		message = GenericStatusMessage(statusCode)
	}
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
		Kind:       KindHTTP,
	}
}

// GenericStatusMessage is used when the server supplies no message
func GenericStatusMessage(statusCode int) string {
	return fmt.Sprintf("request failed with status %d", statusCode)
}

// NetworkError means the transport failed and no response was received.
// It is not an authentication failure.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// SessionExpired wraps cause so that both ErrSessionExpired and the cause
// match with errors.Is
func SessionExpired(cause error) error {
	if cause == nil {
		return ErrSessionExpired
	}
	return fmt.Errorf("%w: %w", ErrSessionExpired, cause)
}

// IsSessionExpired reports whether err ends the session
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
