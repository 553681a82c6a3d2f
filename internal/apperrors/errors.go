// Package apperrors provides structured pipeline errors with exit-code mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrMissingInputFile          = errors.New("missing input file")
	ErrMissingReferenceAlignment = errors.New("missing reference alignment")
	ErrExternalToolFailure       = errors.New("external tool failure")
	ErrToolNotFound              = errors.New("external tool not found")
	ErrConfiguration             = errors.New("configuration error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For configuration errors (e.g., "sensitivity")
	Path     string // File the error refers to, if any
	Op       string // Operation that failed (e.g., "mmseqs.search")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the sentinel and the cause for errors.Is() classification.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Configuration creates a configuration error for a specific field.
func Configuration(field, message string) error {
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  message,
		Field:    field,
	}
}

// MissingInput creates an error for a required proteome or alignment file that is absent.
func MissingInput(path string) error {
	return &Error{
		Sentinel: ErrMissingInputFile,
		Message:  fmt.Sprintf("required input file %s not found", path),
		Path:     path,
	}
}

// MissingReference creates an error for an opposite-direction alignment that does not exist yet.
func MissingReference(pair, path string) error {
	return &Error{
		Sentinel: ErrMissingReferenceAlignment,
		Message:  fmt.Sprintf("reference alignment %s for %s not found", path, pair),
		Path:     path,
	}
}

// ToolFailure creates an error for an external tool run that failed or produced no output.
func ToolFailure(op, path string, cause error) error {
	msg := fmt.Sprintf("%s produced no output", op)
	if path != "" {
		msg = fmt.Sprintf("%s produced no output at %s", op, path)
	}
	return &Error{
		Sentinel: ErrExternalToolFailure,
		Message:  msg,
		Path:     path,
		Op:       op,
		Cause:    cause,
	}
}

// ToolNotFound creates an error for a tool binary or image that cannot be located.
func ToolNotFound(tool string, cause error) error {
	return &Error{
		Sentinel: ErrToolNotFound,
		Message:  fmt.Sprintf("external tool %s is not available", tool),
		Op:       tool,
		Cause:    cause,
	}
}

// ToolExit creates an error for an external tool run that exited unsuccessfully.
func ToolExit(op string, cause error) error {
	return &Error{
		Sentinel: ErrExternalToolFailure,
		Message:  fmt.Sprintf("%s failed", op),
		Op:       op,
		Cause:    cause,
	}
}
