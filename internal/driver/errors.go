package driver

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by drivers
var (
	ErrRateLimit       = errors.New("driver rate limit exceeded")
	ErrAuth            = errors.New("driver authentication failed")
	ErrSessionNotFound = errors.New("remote session not found")
	ErrTunnelTimeout   = errors.New("timed out waiting for tunnel URL")
	ErrDriverError     = errors.New("driver API error")
	ErrInvalidResponse = errors.New("invalid driver response")
)

// DriverError wraps an error with driver context
type DriverError struct {
	Driver     string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *DriverError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (HTTP %d): %s", e.Driver, e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Driver, e.Operation, e.Message)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// NewDriverError creates a new DriverError
func NewDriverError(driver, operation string, statusCode int, message string, err error) *DriverError {
	return &DriverError{
		Driver:     driver,
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// IsAuthError checks if the error is an authentication error
func IsAuthError(err error) bool {
	if errors.Is(err, ErrAuth) {
		return true
	}
	var de *DriverError
	if errors.As(err, &de) {
		return de.StatusCode == http.StatusUnauthorized || de.StatusCode == http.StatusForbidden
	}
	return false
}

// IsRetryable checks if the error is worth a controller-level retry
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTunnelTimeout) {
		return true
	}
	var de *DriverError
	if errors.As(err, &de) {
		return de.StatusCode == http.StatusTooManyRequests ||
			(de.StatusCode >= 500 && de.StatusCode < 600)
	}
	return false
}
