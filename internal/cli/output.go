package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/muster-io/muster/internal/domain"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // successful execution
	ExitFailure      = 1 // operation rejected (forbidden, closed window, ...)
	ExitCommandError = 2 // command error (bad flags, unreadable database, ...)
)

// ExitError carries a specific exit code out of a command.
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

// WrapExitError wraps an error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error carries no code of its own.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Response is the standard JSON envelope for CLI output.
type Response struct {
	Status string         `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError is the error half of a Response.
type ResponseError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Success outputs a result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(Response{Status: "ok", Data: data})
	}
	fmt.Fprintf(f.Writer, "%+v\n", data)
	return nil
}

// Fail outputs a domain failure in the configured format and returns an
// ExitError so the process exits non-zero.
func (f *OutputFormatter) Fail(err error) error {
	code, details := "INTERNAL", map[string]string(nil)
	var derr *domain.Error
	if errors.As(err, &derr) {
		code = string(derr.Code)
		details = derr.Details
	}

	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		_ = enc.Encode(Response{Status: "error", Error: &ResponseError{
			Code:    code,
			Message: err.Error(),
			Details: details,
		}})
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, err.Error())
	}
	return WrapExitError(ExitFailure, code, err)
}
