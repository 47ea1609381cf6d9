package errors

import (
	"errors"
	"fmt"
)

// CPMError is the structured error type for cpm.
// It carries enough context for logging, exit-code mapping, and the
// single-line user surface.
type CPMError struct {
	// Code is the unique error code (e.g., "ERR_501_TRUST_VIOLATION").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Usage, IO, Network, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	// For trust and policy errors the offending rule lives here.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *CPMError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *CPMError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so errors.Is works with sentinel CPMErrors.
func (e *CPMError) Is(target error) bool {
	if t, ok := target.(*CPMError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *CPMError) WithDetail(key, value string) *CPMError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new CPMError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *CPMError {
	return &CPMError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a CPMError from an existing error.
// The error's message becomes the CPMError message.
func Wrap(code string, err error) *CPMError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Usage creates a usage error (exit code 2).
func Usage(message string) *CPMError {
	return New(ErrCodeUsage, message, nil)
}

// IO creates an I/O-related error.
func IO(message string, cause error) *CPMError {
	return New(ErrCodeIO, message, cause)
}

// Chunking creates a chunking error for a single file.
func Chunking(path string, cause error) *CPMError {
	return New(ErrCodeChunkingFailed, fmt.Sprintf("chunking failed for %s", path), cause).
		WithDetail("path", path)
}

// Embedder creates a fatal embedder error (build aborts).
func Embedder(message string, cause error) *CPMError {
	return New(ErrCodeEmbedderFailed, message, cause)
}

// TrustViolation creates a trust verification error for one component
// (signature, sbom, provenance, or score). Exit code 4.
func TrustViolation(component, message string) *CPMError {
	return New(ErrCodeTrustViolation, message, nil).WithDetail("component", component)
}

// PolicyDeny creates a policy denial for a named rule. Exit code 3.
func PolicyDeny(rule, message string) *CPMError {
	return New(ErrCodePolicyDeny, message, nil).WithDetail("rule", rule)
}

// LockMismatch reports a lockfile artifact digest mismatch. Exit code 5.
func LockMismatch(artifact string) *CPMError {
	return New(ErrCodeLockMismatch, fmt.Sprintf("lock mismatch for artifact %s", artifact), nil).
		WithDetail("artifact", artifact)
}

// ReplayMismatch reports that a replayed query did not reproduce its log.
func ReplayMismatch(field, expected, actual string) *CPMError {
	return New(ErrCodeReplayMismatch, fmt.Sprintf("replay mismatch: %s", field), nil).
		WithDetail("field", field).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var ce *CPMError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCode extracts the error code from a CPMError anywhere in the chain.
// Returns empty string if no CPMError is present.
func GetCode(err error) string {
	var ce *CPMError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// GetDetail extracts a detail value from a CPMError in the chain.
func GetDetail(err error, key string) string {
	var ce *CPMError
	if errors.As(err, &ce) {
		return ce.Details[key]
	}
	return ""
}
