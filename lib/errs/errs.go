package errs

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

// Code classifies every failure the server can report to a client.
// The numeric values are part of the wire protocol and must not be reordered.
type Code uint8

const (
	CodeOK              Code = iota // 0: no error
	CodeManifestCorrupt             // 1: the manifest file could not be parsed
	CodeAlreadyExists               // 2: a database with this name already exists
	CodeNotFound                    // 3: no manifest entry for this name
	CodeMountFailed                 // 4: the storage handle could not be opened
	CodeBusy                        // 5: the database has in-flight operations
	CodeUnmountTimeout              // 6: in-flight operations did not drain in time
	CodeNotMounted                  // 7: the database is not mounted
	CodeStillMounted                // 8: the database must be unmounted first
	CodeProtocolError               // 9: the request could not be decoded or is malformed
	CodeInvalidArgument             // 10: a request field has an invalid value
	CodeForbidden                   // 11: the operation is not allowed on this database
	CodeStorageError                // 12: the storage engine failed while executing an operation
)

// String returns the name of the code
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeManifestCorrupt:
		return "ManifestCorrupt"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeNotFound:
		return "NotFound"
	case CodeMountFailed:
		return "MountFailed"
	case CodeBusy:
		return "Busy"
	case CodeUnmountTimeout:
		return "UnmountTimeout"
	case CodeNotMounted:
		return "NotMounted"
	case CodeStillMounted:
		return "StillMounted"
	case CodeProtocolError:
		return "ProtocolError"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeForbidden:
		return "Forbidden"
	case CodeStorageError:
		return "StorageError"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Error Type
// --------------------------------------------------------------------------

// Error wraps a Code, a human-readable message and optionally the
// underlying cause.
type Error struct {
	Code Code   // The error code
	Msg  string // The error message
	Err  error  // The wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
// This allows errors.Is(err, errs.ErrBusy) regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code and formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code that wraps cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// CodeOf extracts the code of err. Errors that are not an *Error report
// CodeStorageError, nil reports CodeOK.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorageError
}

// --------------------------------------------------------------------------
// Sentinels (for errors.Is)
// --------------------------------------------------------------------------

var (
	ErrManifestCorrupt = &Error{Code: CodeManifestCorrupt}
	ErrAlreadyExists   = &Error{Code: CodeAlreadyExists}
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrMountFailed     = &Error{Code: CodeMountFailed}
	ErrBusy            = &Error{Code: CodeBusy}
	ErrUnmountTimeout  = &Error{Code: CodeUnmountTimeout}
	ErrNotMounted      = &Error{Code: CodeNotMounted}
	ErrStillMounted    = &Error{Code: CodeStillMounted}
	ErrProtocol        = &Error{Code: CodeProtocolError}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrForbidden       = &Error{Code: CodeForbidden}
	ErrStorage         = &Error{Code: CodeStorageError}
)
