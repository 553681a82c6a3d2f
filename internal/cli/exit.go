package cli

import (
	"errors"
	"fmt"
	"orthorun/internal/apperrors"
)

// ExitUsage is returned for invalid command lines.
const ExitUsage = apperrors.ExitConfiguration

// ExitError carries a process exit code to main.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with a message, taking the code from apperrors.ExitCode.
func WrapExitError(message string, err error) *ExitError {
	return &ExitError{Code: apperrors.ExitCode(err), Message: message, Err: err}
}

// ExitCode extracts the exit code from an error returned by a command.
func ExitCode(err error) int {
	if err == nil {
		return apperrors.ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return apperrors.ExitCode(err)
}
