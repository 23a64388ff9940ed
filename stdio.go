package mcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements ClientTransport over newline-delimited JSON-RPC, typically the stdin and stdout pipes
// of a server subprocess. Responses arrive on the reader in whatever order the server produces them;
// the session correlates them by request id.
//
// A StdIO instance opens exactly one stream. Proper initialization requires using the NewStdIO
// constructor function to create new instances.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer
	logger *slog.Logger
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOStream struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	incoming      chan Response
	done          chan struct{}
	closeOnce     sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type stdIOMetadata struct{}

// NewStdIO creates a new StdIO transport reading server messages from reader and writing requests to
// writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOCloser registers a closer invoked when the stream is closed, such as one that closes the
// subprocess pipes. Without it a read blocked on the reader is only released when the peer closes its
// end.
func WithStdIOCloser(closer io.Closer) StdIOOption {
	return func(s *StdIO) {
		s.closer = closer
	}
}

// WithStdIOLogger sets the logger for the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// Open implements ClientTransport. The stream starts reading immediately.
func (s *StdIO) Open(context.Context) (Stream, error) {
	st := &stdIOStream{
		reader:        s.reader,
		writer:        s.writer,
		closer:        s.closer,
		logger:        s.logger.With("conn_id", uuid.New().String()),
		writeMessages: make(chan stdIOMessage),
		incoming:      make(chan Response),
		done:          make(chan struct{}),
	}
	go st.processWriteMessages()
	go st.readMessages()
	return st, nil
}

func (s *stdIOStream) Send(ctx context.Context, req Request) error {
	msgBs, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so writes never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ConnectionError{Err: net.ErrClosed}
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", "method", req.Method, "err", err)
			return &ConnectionError{Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ConnectionError{Err: net.ErrClosed}
	}
}

func (s *stdIOStream) Messages() iter.Seq[Response] {
	return func(yield func(Response) bool) {
		for {
			select {
			case <-s.done:
				return
			case res := <-s.incoming:
				if !yield(res) {
					return
				}
			}
		}
	}
}

func (s *stdIOStream) Metadata() Metadata {
	return stdIOMetadata{}
}

// Probe returns "": a pipe has no metadata channel.
func (s *stdIOStream) Probe(context.Context) (string, error) {
	return "", nil
}

func (s *stdIOStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

func (s *stdIOStream) readMessages() {
	// A broken pipe ends the stream, which the session observes as the end of Messages.
	defer s.Close()

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			s.handleLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				s.logger.Error("failed to read message", "err", err)
			}
			return
		}
	}
}

func (s *stdIOStream) handleLine(line string) {
	res := DecodeResponse("", []byte(line))
	if res.Kind == ResponseRaw {
		// Servers commonly print diagnostics on stdout; they cannot be correlated with a request.
		s.logger.Warn("ignoring non JSON-RPC line", "line", truncate(line, 200))
		return
	}
	if res.ID == "" && res.Method == "" {
		s.logger.Warn("ignoring response without id", "line", truncate(line, 200))
		return
	}
	select {
	case s.incoming <- res:
	case <-s.done:
	}
}

func (s *stdIOStream) processWriteMessages() {
	for {
		// Process writing the message queue until the stream is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

func (s *stdIOStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (stdIOMetadata) SessionID() string {
	return ""
}
