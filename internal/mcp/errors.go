package mcp

import (
	"errors"
	"fmt"

	"github.com/nugget/thane-mcp/internal/config"
)

// Error kinds. Every error produced by this package matches exactly one
// of these with errors.Is.
var (
	// ErrConnectionFailed covers transport failures: spawn, write, read,
	// HTTP status, per-request timeout, or an exhausted connect stage.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrProtocol marks a peer message that could not be understood.
	ErrProtocol = errors.New("protocol error")

	// ErrRequestFailed is a request that the server rejected or that
	// could not be delivered within the retry budget.
	ErrRequestFailed = errors.New("request failed")

	// ErrToolCallFailed is a tool call the server answered with an error.
	ErrToolCallFailed = errors.New("tool call failed")

	// ErrInitializationFailed means no server in the scope connected.
	ErrInitializationFailed = errors.New("initialization failed")

	// ErrInternal is an illegal state transition or other programming
	// error.
	ErrInternal = errors.New("internal error")

	// ErrClosed is returned for operations on a closed connection or
	// manager.
	ErrClosed = errors.New("connection closed")

	// ErrServerNotFound is returned for server names outside the scope.
	ErrServerNotFound = config.ErrServerNotFound
)

// Error carries the kind, the server, and the operation that failed.
type Error struct {
	Kind   error  // one of the Err* sentinels
	Server string // server name, empty for manager-wide failures
	Op     string // operation or JSON-RPC method
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Server != "" {
		msg = fmt.Sprintf("mcp server %s: %s", e.Server, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the kind sentinel.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds an *Error.
func newError(kind error, server, op string, err error) *Error {
	return &Error{Kind: kind, Server: server, Op: op, Err: err}
}

// connFailed wraps a transport-level cause.
func connFailed(op string, err error) error {
	return &Error{Kind: ErrConnectionFailed, Op: op, Err: err}
}

// protocolErr wraps a decode failure.
func protocolErr(op string, err error) error {
	return &Error{Kind: ErrProtocol, Op: op, Err: err}
}

// isConnectionError reports whether err should degrade a connection.
// JSON-RPC error responses and protocol errors never do.
func isConnectionError(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	return errors.Is(err, ErrConnectionFailed)
}
