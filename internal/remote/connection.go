package remote

import (
	"context"
	"errors"
	"net/http"

	"github.com/serroba/docsync/internal/auth"
)

// RPC names a backend method.
type RPC string

// Backend methods.
const (
	RPCCommit   RPC = "commit"
	RPCBatchGet RPC = "batchGet"
	RPCListen   RPC = "listen"
	RPCWrite    RPC = "write"
)

// StreamConn is one open bidirectional stream.
type StreamConn interface {
	// Send writes one request frame.
	Send(msg any) error
	// Receive blocks for the next response frame and decodes it into msg.
	// A stream closed by the server with a status yields an *Error.
	Receive(msg any) error
	Close() error
}

// Connection performs RPCs against the backend. Implementations must be
// safe for concurrent use; they are called off the async queue.
type Connection interface {
	Invoke(ctx context.Context, rpc RPC, req, resp any, token *auth.Token) error
	OpenStream(ctx context.Context, rpc RPC, token *auth.Token) (StreamConn, error)
}

// Err converts a status into an error. An OK status yields nil.
func (s Status) Err() error {
	if Code(s.Code) == OK {
		return nil
	}

	return NewError(Code(s.Code), "%s", s.Message)
}

// StatusOf converts err into a wire status.
func StatusOf(err error) Status {
	if err == nil {
		return Status{}
	}

	var e *Error
	if errors.As(err, &e) {
		return Status{Code: int(e.Code), Message: e.Message}
	}

	return Status{Code: int(Unknown), Message: err.Error()}
}

var httpStatuses = map[Code]int{
	OK:                 http.StatusOK,
	Canceled:           499,
	Unknown:            http.StatusInternalServerError,
	InvalidArgument:    http.StatusBadRequest,
	DeadlineExceeded:   http.StatusGatewayTimeout,
	NotFound:           http.StatusNotFound,
	AlreadyExists:      http.StatusConflict,
	PermissionDenied:   http.StatusForbidden,
	ResourceExhausted:  http.StatusTooManyRequests,
	FailedPrecondition: http.StatusPreconditionFailed,
	Aborted:            http.StatusConflict,
	OutOfRange:         http.StatusBadRequest,
	Unimplemented:      http.StatusNotImplemented,
	Internal:           http.StatusInternalServerError,
	Unavailable:        http.StatusServiceUnavailable,
	DataLoss:           http.StatusInternalServerError,
	Unauthenticated:    http.StatusUnauthorized,
}

// HTTPStatus returns the HTTP status the backend answers with for code.
func HTTPStatus(code Code) int {
	if s, ok := httpStatuses[code]; ok {
		return s
	}

	return http.StatusInternalServerError
}

// codeFromHTTPStatus maps a bare HTTP status, used when an error response
// carries no status body.
func codeFromHTTPStatus(status int) Code {
	switch status {
	case http.StatusBadRequest:
		return InvalidArgument
	case http.StatusUnauthorized:
		return Unauthenticated
	case http.StatusForbidden:
		return PermissionDenied
	case http.StatusNotFound:
		return NotFound
	case http.StatusConflict:
		return Aborted
	case http.StatusPreconditionFailed:
		return FailedPrecondition
	case http.StatusTooManyRequests:
		return ResourceExhausted
	case http.StatusNotImplemented:
		return Unimplemented
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return Unavailable
	case http.StatusGatewayTimeout:
		return DeadlineExceeded
	case http.StatusInternalServerError:
		return Internal
	default:
		return Unknown
	}
}
