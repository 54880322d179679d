package clierr

import "errors"

// Type categorizes a CLI-facing error for consistent messaging & exit codes.
type Type string

const (
	Validation Type = "validation"
	Auth       Type = "auth"
	NotFound   Type = "not_found"
	Network    Type = "network"
	Internal   Type = "internal"
)

// Process exit codes by error type.
const (
	ExitOK         = 0
	ExitInternal   = 1
	ExitValidation = 2
	ExitAuth       = 3
	ExitNotFound   = 4
	ExitNetwork    = 5
)

// Error is a structured user-facing error.
type Error struct {
	Type    Type
	Message string
	Err     error // optional underlying error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Err }

// New constructs a new CLI Error.
func New(t Type, msg string, err error) *Error { return &Error{Type: t, Message: msg, Err: err} }

// ExitCode maps err to a process exit code. Errors that are not *Error
// count as internal.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cliErr *Error
	if !errors.As(err, &cliErr) {
		return ExitInternal
	}
	switch cliErr.Type {
	case Validation:
		return ExitValidation
	case Auth:
		return ExitAuth
	case NotFound:
		return ExitNotFound
	case Network:
		return ExitNetwork
	default:
		return ExitInternal
	}
}
