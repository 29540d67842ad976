// Package errs defines the error taxonomy shared by the room
// synchronization core. Callers branch on the Code, not on message text.
package errs

import (
	"errors"
	"fmt"
)

// ErrCodeTaken signals a room code collision with another active room.
// Internal to the create path: callers retry with a fresh code rather than
// surfacing it.
var ErrCodeTaken = errors.New("room code already in use")

// Code classifies an error for user-visible handling.
type Code string

const (
	// CodeNotFound: room/code absent or inactive.
	CodeNotFound Code = "not_found"
	// CodeFull: room capacity reached.
	CodeFull Code = "full"
	// CodeUnauthorized: non-host attempting a host-only mutation, or acting
	// while unauthenticated.
	CodeUnauthorized Code = "unauthorized"
	// CodeSessionExpired: credential missing or stale at call time.
	CodeSessionExpired Code = "session_expired"
	// CodeTransient: network/transport failure, safe to retry.
	CodeTransient Code = "transient"
	// CodeInvariant: precondition violated client-side, e.g. starting a game
	// with unready players. Raised before any remote call is attempted.
	CodeInvariant Code = "invariant"
)

// Error pairs a taxonomy code with a human-readable message and an optional
// wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err, or CodeTransient if err
// carries none. Unknown failures are treated as retryable transport faults.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeTransient
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
