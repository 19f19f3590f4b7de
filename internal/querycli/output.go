package querycli

import (
	"encoding/json"
	"fmt"
	"io"
)

// Exit codes, mirroring the teacher's ExitSuccess/ExitFailure/
// ExitCommandError split.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// ExitError carries a specific process exit code through cobra's error
// return path.
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

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError wraps err with a process exit code and a human message.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the process exit code carried by err, defaulting to
// ExitFailure for any other error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if ee, ok := err.(*ExitError); ok {
		return ee.Code
	}
	return ExitFailure
}

// CLIResponse is the JSON envelope every subcommand's --format json output
// uses.
type CLIResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// OutputFormatter renders a result as either JSON or teacher-style plain
// text, depending on RootOptions.Format.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Success writes data as the successful-case payload.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(CLIResponse{Status: "ok", Data: data})
	}
	return writeText(f.Writer, data)
}
