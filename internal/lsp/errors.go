package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the LSP client.
var (
	// ErrNotStarted indicates the client has not been started.
	ErrNotStarted = errors.New("lsp client not started")

	// ErrAlreadyStarted indicates the client is already running.
	ErrAlreadyStarted = errors.New("lsp client already started")

	// ErrShutdown indicates the client has been shut down.
	ErrShutdown = errors.New("lsp client shut down")

	// ErrServerNotReady indicates the server is not ready to handle requests.
	ErrServerNotReady = errors.New("server not ready")

	// ErrServerUnavailable indicates the server crashed and the restart
	// budget is exhausted. All pending and future requests fail with this
	// error until a new client is started.
	ErrServerUnavailable = errors.New("language server unavailable")

	// ErrRequestTimeout indicates a request did not complete within its
	// deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrDocumentNotOpen indicates the document is not open on the server.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrNoServer indicates no server command is configured for the language.
	ErrNoServer = errors.New("no server configured for language")
)

// SpawnError indicates the server executable could not be started. It is
// fatal and never retried: a missing or broken binary will not heal on its
// own.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error { return e.Err }

// FramingError indicates a malformed frame on the wire. The connection is
// unusable afterwards: the reader cannot know where the next frame starts,
// so the error is fatal to the connection and triggers a server restart
// rather than a resynchronization attempt.
type FramingError struct {
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol framing: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("protocol framing: %s", e.Detail)
}

// Unwrap returns the underlying error.
func (e *FramingError) Unwrap() error { return e.Err }

// RPCError is an error object reported by the server in a JSON-RPC response.
// It is surfaced to the caller as-is and never auto-retried.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)
