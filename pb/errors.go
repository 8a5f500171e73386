package pb

import (
	"github.com/cockroachdb/errors"
)

// PipeError is the status code family shared by every buffer manager. The numeric values are stable
// so they can be handed across driver boundaries unchanged.
type PipeError int32

const (
	// OK indicates success
	OK PipeError = 0
	// Error is an unspecified failure
	Error PipeError = -1
	// ErrorBadInput indicates that the caller violated a precondition
	ErrorBadInput PipeError = -2
	// ErrorOutOfMemory indicates that an allocation could not be satisfied
	ErrorOutOfMemory PipeError = -3
	// ErrorRetry indicates a transient condition: the same call may succeed later
	ErrorRetry PipeError = -4
)

var pipeErrorMapping = map[PipeError]string{
	OK:               "OK",
	Error:            "Error",
	ErrorBadInput:    "ErrorBadInput",
	ErrorOutOfMemory: "ErrorOutOfMemory",
	ErrorRetry:       "ErrorRetry",
}

func (e PipeError) String() string {
	return pipeErrorMapping[e]
}

func (e PipeError) Error() string {
	return e.String()
}

var (
	// ErrGeneric is returned for failures that do not fit any other category
	ErrGeneric error = Error
	// ErrBadInput is returned when a call is made with arguments that can never succeed
	ErrBadInput error = ErrorBadInput
	// ErrOutOfMemory is returned when a manager, or its provider, has run out of space
	ErrOutOfMemory error = ErrorOutOfMemory
	// ErrRetry is returned when the call could not complete right now, but may succeed later
	ErrRetry error = ErrorRetry
)

// ErrorCode maps an error returned from this module back to its PipeError code. A nil error
// maps to OK and errors that don't wrap a PipeError map to Error.
func ErrorCode(err error) PipeError {
	if err == nil {
		return OK
	}

	var code PipeError
	if errors.As(err, &code) {
		return code
	}

	return Error
}
