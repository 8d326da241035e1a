package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/replica/internal/blob"
	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/indexer"
	"github.com/roach88/replica/internal/router"
	"github.com/roach88/replica/internal/store"
)

// Process exit codes.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Refused request, failed scenarios or failed items
	ExitCommandError = 2 // Command error (invalid paths, unreadable config, etc.)
)

// Error codes reported in JSON output.
const (
	ErrCodeGeneric            = "E_ERROR"
	ErrCodeNotFound           = "E_NOT_FOUND"
	ErrCodeUniquenessConflict = "E_UNIQUENESS_CONFLICT"
	ErrCodeUnknownReference   = "E_UNKNOWN_REFERENCE"
	ErrCodeStillReferenced    = "E_STILL_REFERENCED"
	ErrCodeInvalidInput       = "E_INVALID_INPUT"
	ErrCodeRunErrors          = "E_RUN_ERRORS"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int   // ExitFailure or ExitCommandError
	Message string
	Err     error // may be nil
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

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches code and message to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code: 0 for nil, the carried code
// for an ExitError and ExitFailure otherwise.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// errorCode classifies a pipeline error for JSON output.
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, index.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, store.ErrUniquenessConflict):
		return ErrCodeUniquenessConflict
	case errors.Is(err, router.ErrUnknownReference), indexer.IsMissingReferent(err):
		return ErrCodeUnknownReference
	case errors.Is(err, store.ErrReferenced), errors.Is(err, index.ErrStillReferenced):
		return ErrCodeStillReferenced
	}
	return ErrCodeGeneric
}

// OutputFormatter renders command results as text or as a JSON envelope.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; Writer when nil
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs data. In text format text renders it; a nil text prints
// data indented as JSON.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	if text != nil {
		text(f.Writer)
		return nil
	}
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// Error reports a coded failure.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns it as an ExitError with exit code 1.
func (f *OutputFormatter) Fail(message string, err error) error {
	if outErr := f.Error(errorCode(err), err.Error(), nil); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitFailure, message, err)
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// VerboseLog prints to the diagnostic writer when --verbose is set, so JSON
// on Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter is the diagnostic writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
