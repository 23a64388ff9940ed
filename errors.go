package mcp

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrNotReady is returned when an operation needs a READY session and the session has not finished
	// its handshake yet.
	ErrNotReady = errors.New("mcp: session not ready")
	// ErrSessionClosed is returned for operations on a closed session and for requests that were
	// pending when the session closed.
	ErrSessionClosed = errors.New("mcp: session closed")
	// ErrInvalidState is returned when Initialize is called on a session that is not UNINITIALIZED.
	ErrInvalidState = errors.New("mcp: invalid session state")
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("mcp: timeout")
	// ErrHandshakeTimeout matches a *TimeoutError raised while initializing.
	ErrHandshakeTimeout = errors.New("mcp: handshake timeout")
)

// ConnectionError reports that the endpoint could not be reached or the stream broke.
type ConnectionError struct {
	Endpoint string
	Err      error
}

// TimeoutError reports a deadline that elapsed while waiting for the server. Op names the method that
// timed out.
type TimeoutError struct {
	Op        string
	Timeout   time.Duration
	Handshake bool
}

// ProtocolError reports a response the client could not interpret as an MCP result: a non-JSON body,
// a non-2xx status without a JSON-RPC error, or a result that does not decode.
type ProtocolError struct {
	// Status is the HTTP status code when the response came over HTTP, zero otherwise.
	Status int
	// Raw is the response text exactly as received.
	Raw string
	// Reason describes what was wrong with the response.
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

// ServerError is a structured JSON-RPC error returned by the server.
type ServerError struct {
	Code    int
	Message string
	Data    any
}

// ArgumentError reports tool arguments rejected by the tool's input schema before anything was sent.
type ArgumentError struct {
	Tool     string
	Problems []string
}

func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("mcp: connection failed: %v", e.Err)
	}
	return fmt.Sprintf("mcp: connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *TimeoutError) Error() string {
	kind := "request"
	if e.Handshake {
		kind = "handshake"
	}
	if e.Timeout > 0 {
		return fmt.Sprintf("mcp: %s %s timed out after %s", kind, e.Op, e.Timeout)
	}
	return fmt.Sprintf("mcp: %s %s timed out", kind, e.Op)
}

// Is lets errors.Is match ErrTimeout, and ErrHandshakeTimeout for handshake timeouts.
func (e *TimeoutError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return true
	case ErrHandshakeTimeout:
		return e.Handshake
	}
	return false
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString("mcp: protocol error")
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Raw != "" {
		fmt.Fprintf(&b, ": %q", truncate(e.Raw, 200))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mcp: server error %d: %s", e.Code, e.Message)
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("mcp: invalid arguments for tool %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
