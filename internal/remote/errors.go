// Package remote talks to the backend: wire types and their serializer,
// the commit and lookup RPCs, the watch and write streams, and the remote
// store that drives them.
package remote

import (
	"errors"
	"fmt"

	"github.com/serroba/docsync/internal/model"
)

// Code is a transport cause code.
type Code int

// Cause codes, numbered like gRPC status codes.
const (
	OK Code = iota
	Canceled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var codeNames = [...]string{
	"OK", "CANCELLED", "UNKNOWN", "INVALID_ARGUMENT", "DEADLINE_EXCEEDED", "NOT_FOUND",
	"ALREADY_EXISTS", "PERMISSION_DENIED", "RESOURCE_EXHAUSTED", "FAILED_PRECONDITION",
	"ABORTED", "OUT_OF_RANGE", "UNIMPLEMENTED", "INTERNAL", "UNAVAILABLE", "DATA_LOSS",
	"UNAUTHENTICATED",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("Code(%d)", int(c))
	}

	return codeNames[c]
}

// Common errors.
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrStreamClosed   = errors.New("stream closed")
)

// Error is a transport failure with a cause code.
type Error struct {
	Code    Code
	Message string
}

// NewError creates an Error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Message
}

// Is matches errors with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// CodeOf extracts the cause code of err. Errors without one are Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return Unknown
}

// IsPermanentError reports whether an RPC failing with code must not be retried.
func IsPermanentError(code Code) bool {
	switch code {
	case OK:
		model.Fail("treated status OK as error")

		return false
	case Canceled, Unknown, DeadlineExceeded, ResourceExhausted, Internal,
		Unavailable, Unauthenticated:
		// Unauthenticated means the token expired; refreshing it may succeed.
		return false
	case InvalidArgument, NotFound, AlreadyExists, PermissionDenied,
		FailedPrecondition, Aborted, OutOfRange, Unimplemented, DataLoss:
		return true
	default:
		model.Fail("unknown status code %d", int(code))

		return false
	}
}

// IsPermanentWriteError reports whether a write failing with err must be
// rejected instead of retried. Aborted writes are retried: the transaction
// conflict that caused them is transient.
func IsPermanentWriteError(err error) bool {
	code := CodeOf(err)

	return code != Aborted && IsPermanentError(code)
}
