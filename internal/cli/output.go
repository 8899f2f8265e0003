package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/sagastore/internal/saga"
	"github.com/roach88/sagastore/internal/tablestore"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Lookup failed (not found, duplicates, retries exhausted)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, store unavailable)
)

// Error codes reported in the JSON envelope.
const (
	ErrCodeGeneric                = "E001" // Generic/unknown error
	ErrCodeConfig                 = "E002" // Config file missing or invalid
	ErrCodeStore                  = "E003" // Store could not be opened or failed
	ErrCodeInvalidInput           = "E004" // Bad flag or argument value
	ErrCodeNotFound               = "E010" // No entity for the lookup
	ErrCodeUnsupportedCorrelation = "E011" // Correlation property required
	ErrCodeDuplicateEntity        = "E012" // Several entities share the value
	ErrCodeRetryNeeded            = "E013" // Concurrent create, retries exhausted
	ErrCodeVersionConflict        = "E014" // Row exists or version token is stale
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	ErrCode string // Envelope error code (E001...)
	Message string // Error message
	Err     error  // Underlying error (optional)

	// Reported is set once the error was written to stdout as a JSON
	// envelope, so main does not print it again.
	Reported bool
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, errCode, message string) *ExitError {
	return &ExitError{Code: code, ErrCode: errCode, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, errCode, message string, err error) *ExitError {
	return &ExitError{Code: code, ErrCode: errCode, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// IsReported reports whether err was already written as a JSON envelope.
func IsReported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}

// classify maps library errors to envelope codes and exit codes.
func classify(err error) (string, int) {
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		if exitErr.ErrCode == "" {
			return ErrCodeGeneric, exitErr.Code
		}
		return exitErr.ErrCode, exitErr.Code
	case saga.IsUnsupportedCorrelation(err):
		return ErrCodeUnsupportedCorrelation, ExitCommandError
	case saga.IsDuplicateEntity(err):
		return ErrCodeDuplicateEntity, ExitFailure
	case saga.IsRetryNeeded(err):
		return ErrCodeRetryNeeded, ExitFailure
	case errors.Is(err, tablestore.ErrConflict), errors.Is(err, tablestore.ErrPreconditionFailed):
		return ErrCodeVersionConflict, ExitFailure
	case errors.Is(err, tablestore.ErrNotFound):
		return ErrCodeNotFound, ExitFailure
	case errors.Is(err, tablestore.ErrInvalidKey), errors.Is(err, tablestore.ErrInvalidProperty),
		errors.Is(err, tablestore.ErrInvalidTableName), errors.Is(err, tablestore.ErrMissingETag):
		return ErrCodeInvalidInput, ExitCommandError
	default:
		return ErrCodeStore, ExitFailure
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// Response is the JSON envelope for every command.
type Response struct {
	Status string         `json:"status"`          // "ok" or "error"
	Data   any            `json:"data,omitempty"`  // success payload
	Error  *ResponseError `json:"error,omitempty"` // error details
}

// ResponseError is the error part of Response.
type ResponseError struct {
	Code    string `json:"code"`              // "E001", "E010", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs data. In text mode text renders it; a nil text prints
// data with fmt.Fprintln.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	if text != nil {
		text(f.Writer)
		return nil
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error outputs an error envelope in JSON mode, or an "Error [code]" line
// in text mode.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{
			Status: "error",
			Error:  &ResponseError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.GetErrWriter(), "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.GetErrWriter(), "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns it as an ExitError carrying the classified
// exit code. In text mode reporting is left to the caller of Execute.
func (f *OutputFormatter) Fail(err error, details any) error {
	code, exit := classify(err)
	exitErr := &ExitError{Code: exit, ErrCode: code, Message: "command failed", Err: err}
	var existing *ExitError
	if errors.As(err, &existing) {
		exitErr = existing
		exitErr.ErrCode = code
	}
	if f.Format == "json" {
		if writeErr := f.Error(code, err.Error(), details); writeErr != nil {
			return writeErr
		}
		exitErr.Reported = true
	}
	return exitErr
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
