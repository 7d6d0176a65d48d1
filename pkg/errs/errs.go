// Package errs defines the error taxonomy shared by the interaction
// manager and the capability implementations. Every error produced by
// this module wraps exactly one of the sentinel kinds below, so callers
// can branch with errors.Is while still reading a message that names the
// offending identifier or key.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks missing or invalid connection data and
	// unknown capability identifiers.
	ErrConfiguration = errors.New("configuration error")

	// ErrPrecondition marks an operation attempted before a required
	// prior step, such as sending a prompt with no active conversation.
	ErrPrecondition = errors.New("precondition not met")

	// ErrContractViolation marks a capability response that does not
	// match its documented shape.
	ErrContractViolation = errors.New("contract violation")

	// ErrValidation marks a caller-supplied argument that violates a
	// stated invariant, such as removing a protected metadata key.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a failed lookup by id or key.
	ErrNotFound = errors.New("not found")

	// ErrExport marks a filesystem failure while writing an export.
	ErrExport = errors.New("export failed")

	// ErrConnection marks an I/O failure while talking to a backend.
	ErrConnection = errors.New("connection failure")
)

func mark(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", kind, fmt.Errorf(format, args...))
}

// Configuration builds an ErrConfiguration. The format string supports
// %w, so an underlying cause stays reachable through errors.Is.
func Configuration(format string, args ...any) error {
	return mark(ErrConfiguration, format, args...)
}

// Precondition builds an ErrPrecondition.
func Precondition(format string, args ...any) error {
	return mark(ErrPrecondition, format, args...)
}

// ContractViolation builds an ErrContractViolation.
func ContractViolation(format string, args ...any) error {
	return mark(ErrContractViolation, format, args...)
}

// Validation builds an ErrValidation.
func Validation(format string, args ...any) error {
	return mark(ErrValidation, format, args...)
}

// NotFound builds an ErrNotFound.
func NotFound(format string, args ...any) error {
	return mark(ErrNotFound, format, args...)
}

// Export builds an ErrExport.
func Export(format string, args ...any) error {
	return mark(ErrExport, format, args...)
}

// Connection builds an ErrConnection.
func Connection(format string, args ...any) error {
	return mark(ErrConnection, format, args...)
}
