package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrRouteNotFound means no route is registered for the requested host.
	ErrRouteNotFound = errors.New("no matching route")

	// ErrInvalidHost indicates a missing or malformed Host header.
	ErrInvalidHost = errors.New("invalid host")

	// ErrInvalidRoute means a stored route cannot be turned into a record.
	ErrInvalidRoute = errors.New("invalid route")

	// ErrCertificateNotFound means no active certificate covers the name.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrDecrypt indicates ciphertext that failed authentication.
	ErrDecrypt = errors.New("decrypt failed")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates valid credentials without the needed scope.
	ErrForbidden = errors.New("forbidden")

	// ErrShutdownTimeout is returned when cleanup outlives its deadline.
	ErrShutdownTimeout = errors.New("timeout exceeded, forcing shutdown")
)

// RouteError wraps an underlying error with host context.
type RouteError struct {
	Host string
	Op   string
	Err  error
}

func (e *RouteError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("route %s: %s: %v", e.Host, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}
