package apperrors

import (
	"context"
	"errors"
)

// Process exit codes.
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitConfiguration = 2
	ExitMissingInput  = 3
	ExitToolMissing   = 4
	ExitToolFailure   = 5
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrConfiguration):
		return ExitConfiguration
	case errors.Is(err, ErrMissingInputFile), errors.Is(err, ErrMissingReferenceAlignment):
		return ExitMissingInput
	case errors.Is(err, ErrToolNotFound):
		return ExitToolMissing
	case errors.Is(err, ErrExternalToolFailure):
		return ExitToolFailure
	default:
		return ExitFailure
	}
}

// Kind returns a short, stable label for an error, used in reports and metric attributes.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingReferenceAlignment):
		return "missing-dependency"
	case errors.Is(err, ErrMissingInputFile):
		return "missing-input"
	case errors.Is(err, ErrToolNotFound):
		return "tool-missing"
	case errors.Is(err, ErrExternalToolFailure):
		return "tool-failure"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
