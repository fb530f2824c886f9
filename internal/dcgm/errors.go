package dcgm

import (
	"errors"
	"fmt"
)

var (
	// ErrLibraryLoad means libdcgm or one of its entry points could not be resolved.
	ErrLibraryLoad = errors.New("dcgm: library load failed")

	// ErrInitializationFailed means the binding or the embedded engine refused to start.
	ErrInitializationFailed = errors.New("dcgm: initialization failed")

	// ErrConnectionFailed means a remote host engine could not be reached.
	ErrConnectionFailed = errors.New("dcgm: connection failed")

	// ErrClosed is returned by operations on a session after Close.
	ErrClosed = errors.New("dcgm: session closed")
)

// APIError is a non-zero daemon status not classified any further.
type APIError struct {
	Code Return
	Op   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dcgm: %s returned %s (%d)", e.Op, e.Code, int32(e.Code))
}

// FieldValueError reports a structurally valid call whose data is missing,
// incomplete or blank where the caller required a value.
type FieldValueError struct {
	Context string
}

func (e *FieldValueError) Error() string {
	return "dcgm: field value error: " + e.Context
}

// ElevatedAccessError is returned when the daemon reports that an operation
// needs root or an otherwise privileged session.
type ElevatedAccessError struct {
	Context string
	Code    Return
}

func (e *ElevatedAccessError) Error() string {
	return fmt.Sprintf("dcgm: requires elevated access: %s (%s)", e.Context, e.Code)
}

// IsElevatedAccess reports whether err carries an ElevatedAccessError.
func IsElevatedAccess(err error) bool {
	var target *ElevatedAccessError
	return errors.As(err, &target)
}

func apiError(op string, code Return) error {
	return &APIError{Code: code, Op: op}
}
