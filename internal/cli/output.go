package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/livedoc/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The core refused or failed the operation, or validation failed
	ExitCommandError = 2 // Bad config, bad key, unreadable database or directory
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error // optional
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

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error, ExitFailure by default.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the envelope of every --format json result.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"` // "E" + model.ErrorCode, or ErrCodeGeneric
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrCodeGeneric is reported for errors that carry no model.ErrorCode.
const ErrCodeGeneric = "E001"

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose output; falls back to Writer
	Verbose   bool
}

// Success writes data. Text mode prints it with fmt; most commands print
// their own text instead.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes one error. Details are shown in text mode only when verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns the matching ExitError. An invalid key is
// the caller's mistake; anything the core rejected is a failure.
func (f *OutputFormatter) Fail(message string, err error) error {
	var details any
	if c, ok := model.CodeOf(err); ok {
		details = map[string]string{"name": c.String()}
	}
	_ = f.Error(ErrorCodeOf(err), fmt.Sprintf("%s: %v", message, err), details)
	exit := ExitFailure
	if model.IsCode(err, model.ErrInvalidKey) {
		exit = ExitCommandError
	}
	return WrapExitError(exit, message, err)
}

// VerboseLog writes to ErrWriter when verbose, keeping JSON on Writer clean.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// ErrorCodeOf renders the code of err as "E<code>".
func ErrorCodeOf(err error) string {
	if code, ok := model.CodeOf(err); ok {
		return fmt.Sprintf("E%d", int(code))
	}
	return ErrCodeGeneric
}
