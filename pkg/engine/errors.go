package engine

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvariant is returned when a plan lacks a component it must carry.
	// It denotes a bug, never a user error.
	ErrInvariant = errors.New("internal invariant violated")

	// ErrIllegalArgument is returned when an entry point is called with a
	// statement it cannot handle.
	ErrIllegalArgument = errors.New("illegal argument")
)

// StatementError is a user facing error about a statement. Its message is
// safe to return to the client that sent the statement.
type StatementError struct {
	Message       string
	StatementText string
	Cause         error
}

func (e *StatementError) Error() string { return e.Message }

func (e *StatementError) Unwrap() error { return e.Cause }

// newStatementError returns a StatementError with a stack trace attached to
// its cause.
func newStatementError(text, format string, args ...any) error {
	err := errors.Errorf(format, args...)
	return &StatementError{Message: err.Error(), StatementText: text, Cause: err}
}

// asStatementError wraps err once with the statement text. Errors that
// already are statement errors, and invariant violations, are returned
// unchanged.
func asStatementError(err error, text string) error {
	if err == nil {
		return nil
	}
	var se *StatementError
	if errors.As(err, &se) || errors.Is(err, ErrInvariant) {
		return err
	}
	msg := err.Error()
	if msg == "" {
		msg = "Server Error"
	}
	return &StatementError{Message: msg, StatementText: text, Cause: err}
}
