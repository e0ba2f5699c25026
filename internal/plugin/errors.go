package plugin

import (
	"errors"
	"fmt"
)

// ErrorCode names a registry or handler failure.
type ErrorCode string

const (
	ErrModuleLoadFailure     ErrorCode = "MODULE_LOAD_FAILURE"
	ErrDuplicateCommand      ErrorCode = "DUPLICATE_COMMAND"
	ErrMalformedRegistration ErrorCode = "MALFORMED_REGISTRATION"
)

// RegistryError is a structured load-time failure.
type RegistryError struct {
	Code   ErrorCode
	Plugin string
	Reason string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Plugin, e.Reason)
}

// NewModuleLoadFailure reports a plugin that could not be constructed.
func NewModuleLoadFailure(plugin, reason string) *RegistryError {
	return &RegistryError{Code: ErrModuleLoadFailure, Plugin: plugin, Reason: reason}
}

// NewMalformedRegistration reports a plugin whose Register output was invalid.
func NewMalformedRegistration(plugin, reason string) *RegistryError {
	return &RegistryError{Code: ErrMalformedRegistration, Plugin: plugin, Reason: reason}
}

// ErrUnauthorized is returned when a non-admin reaches an admin-only path.
var ErrUnauthorized = errors.New("unauthorized")

// UsageError means the arguments were wrong. The router replies with Usage.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string { return "bad input: " + e.Usage }

// Usage returns a UsageError with a formatted usage line.
func Usage(format string, args ...any) error {
	return &UsageError{Usage: fmt.Sprintf(format, args...)}
}

// UpstreamError wraps a failed market or chain call. The router replies
// with a short apology and logs at INFO.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string { return e.Service + ": " + e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream wraps err as an UpstreamError for service.
func Upstream(service string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Service: service, Err: err}
}
