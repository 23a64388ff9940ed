package mcp

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"
)

// TransportKind selects the wire transport used to reach an endpoint.
type TransportKind string

const (
	// TransportStreamableHTTP posts JSON-RPC envelopes over HTTP; responses come back as JSON or as a
	// server-sent event stream.
	TransportStreamableHTTP TransportKind = "streamable_http"
	// TransportStdIO exchanges newline-delimited JSON with a subprocess.
	TransportStdIO TransportKind = "stdio"
)

// Endpoint is the immutable address of a remote tool server.
type Endpoint struct {
	URL  string
	Kind TransportKind
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// Open establishes a stream to the server. The returned Stream stays usable until Close is called
	// or the underlying connection breaks, regardless of ctx, which only bounds the opening itself.
	// Failures to reach the server are reported as *ConnectionError.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open connection to a server.
type Stream interface {
	// Send writes one request or notification. For transports where the answer travels on the same
	// exchange, Send returns once the answer has been handed to Messages. Send may be called from many
	// goroutines at once.
	Send(ctx context.Context, req Request) error

	// Messages returns an iterator over decoded inbound frames. The iteration ends when the stream is
	// closed or breaks. Only one goroutine should range over Messages.
	Messages() iter.Seq[Response]

	// Metadata exposes out-of-band data the transport observed, such as a session identifier carried
	// in response headers.
	Metadata() Metadata

	// Probe issues a preliminary request whose only purpose is to obtain a session identifier from
	// the server's response metadata. It returns "" when the server offered none.
	Probe(ctx context.Context) (string, error)

	// Close terminates the stream. It is safe to call more than once.
	Close() error
}

// Metadata is the out-of-band information a Stream collected from the server.
type Metadata interface {
	// SessionID returns the session identifier offered by the server, or "" if none was seen.
	SessionID() string
}

// Validate checks that the endpoint can be dialed.
func (e Endpoint) Validate() error {
	switch e.Kind {
	case TransportStreamableHTTP, "":
		u, err := url.Parse(e.URL)
		if err != nil {
			return fmt.Errorf("invalid endpoint url %q: %w", e.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid endpoint url %q: scheme must be http or https", e.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid endpoint url %q: missing host", e.URL)
		}
	case TransportStdIO:
		if strings.TrimSpace(e.URL) == "" {
			return fmt.Errorf("stdio endpoint needs a command")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", e.Kind)
	}
	return nil
}

// ParseTransportKind maps a configuration string to a TransportKind. The empty string selects
// streamable HTTP.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "http", "streamable_http", "streamable-http":
		return TransportStreamableHTTP, nil
	case "stdio":
		return TransportStdIO, nil
	}
	return "", fmt.Errorf("unknown transport kind %q", s)
}
