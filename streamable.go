package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// StreamableHTTPClient implements ClientTransport over the MCP streamable HTTP transport: every
// request is a POST to a single endpoint, and the server answers either with a JSON body or with an
// event stream carrying the response.
//
// The client does not assume the server is well-behaved. A 202 Accepted or an empty body is treated as
// a bare success, and a body that is not JSON (an HTML error page, a plain-text message) is delivered
// as a raw frame for the request that caused it instead of being dropped. The mcp-session-id response
// header is captured from every response, in any letter case.
//
// Instances should be created using NewStreamableHTTPClient.
type StreamableHTTPClient struct {
	endpoint   string
	httpClient *http.Client
	headers    http.Header
	logger     *slog.Logger

	timeout        time.Duration
	closeTimeout   time.Duration
	maxPayloadSize int
}

// StreamableHTTPClientOption represents the options for the StreamableHTTPClient.
type StreamableHTTPClientOption func(*StreamableHTTPClient)

type streamableHTTPStream struct {
	client *StreamableHTTPClient

	ctx    context.Context
	cancel context.CancelFunc

	incoming  chan Response
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	sessionID string
}

type streamableHTTPMetadata struct {
	stream *streamableHTTPStream
}

const (
	// HeaderSessionID is the response and request header carrying the session identifier.
	HeaderSessionID = "Mcp-Session-Id"

	defaultHTTPTimeout      = 10 * time.Second
	defaultCloseTimeout     = 2 * time.Second
	defaultMaxPayloadSize   = 10 << 20
	acceptStreamableHTTP    = "application/json, text/event-stream"
	acceptProbe             = "text/event-stream, application/json"
	mediaTypeJSON           = "application/json"
	mediaTypeEventStream    = "text/event-stream"
	eventTypeMessage        = "message"
	errMsgStreamNoResponse  = "event stream ended without a response"
	errMsgResponseTooLarge  = "response exceeds maximum payload size"
	errMsgNonSuccessfulCall = "unexpected status"
)

// NewStreamableHTTPClient creates a transport for the endpoint URL. The optional httpClient parameter
// allows custom HTTP client configuration - if nil, the default HTTP client is used. Nothing is sent
// until the session opens the stream.
func NewStreamableHTTPClient(endpoint string, httpClient *http.Client,
	options ...StreamableHTTPClientOption,
) *StreamableHTTPClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &StreamableHTTPClient{
		endpoint:       endpoint,
		httpClient:     cli,
		headers:        make(http.Header),
		logger:         slog.Default(),
		timeout:        defaultHTTPTimeout,
		closeTimeout:   defaultCloseTimeout,
		maxPayloadSize: defaultMaxPayloadSize,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithStreamableHTTPClientTimeout bounds every HTTP exchange, including the time spent reading an
// event-stream response. Zero disables the bound; the caller's context still applies.
func WithStreamableHTTPClientTimeout(timeout time.Duration) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.timeout = timeout
	}
}

// WithStreamableHTTPClientHeader adds a header sent with every request, such as an API key.
func WithStreamableHTTPClientHeader(key, value string) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.headers.Add(key, value)
	}
}

// WithStreamableHTTPClientMaxPayloadSize sets the maximum size of a response body, or of a single event
// in an event-stream response. Larger responses fail the request they belong to.
func WithStreamableHTTPClientMaxPayloadSize(size int) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.maxPayloadSize = size
	}
}

// WithStreamableHTTPClientLogger sets the logger for the client.
func WithStreamableHTTPClientLogger(logger *slog.Logger) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.logger = logger
	}
}

// Endpoint returns the URL the client posts to.
func (c *StreamableHTTPClient) Endpoint() string {
	return c.endpoint
}

// Open implements ClientTransport. HTTP is connectionless, so opening only validates the endpoint;
// an unreachable server surfaces on the first Send or Probe.
func (c *StreamableHTTPClient) Open(context.Context) (Stream, error) {
	ep := Endpoint{URL: c.endpoint, Kind: TransportStreamableHTTP}
	if err := ep.Validate(); err != nil {
		return nil, &ConnectionError{Endpoint: c.endpoint, Err: err}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &streamableHTTPStream{
		client:   c,
		ctx:      ctx,
		cancel:   cancel,
		incoming: make(chan Response),
		done:     make(chan struct{}),
	}, nil
}

func (s *streamableHTTPStream) Send(ctx context.Context, req Request) error {
	if s.isClosed() {
		return &ConnectionError{Endpoint: s.client.endpoint, Err: net.ErrClosed}
	}
	body, err := EncodeRequest(req)
	if err != nil {
		return err
	}

	ctx, cancel := s.exchangeContext(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.client.endpoint, bytes.NewReader(body))
	if err != nil {
		return &ConnectionError{Endpoint: s.client.endpoint, Err: err}
	}
	httpReq.Header.Set("Content-Type", mediaTypeJSON)
	httpReq.Header.Set("Accept", acceptStreamableHTTP)
	s.setHeaders(httpReq)

	s.client.logger.Debug("sending request", "method", req.Method, "id", req.ID, "endpoint", s.client.endpoint)

	resp, err := s.client.httpClient.Do(httpReq)
	if err != nil {
		return s.exchangeError(ctx, req.Method, err)
	}
	defer resp.Body.Close()

	s.captureSessionID(resp.Header)

	if req.ID == "" {
		// Notifications have no response to deliver.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, int64(s.client.maxPayloadSize)))
		if resp.StatusCode >= http.StatusBadRequest {
			return &ProtocolError{Status: resp.StatusCode, Reason: errMsgNonSuccessfulCall + " for " + req.Method}
		}
		return nil
	}

	if isSuccess(resp.StatusCode) && isEventStream(resp.Header.Get("Content-Type")) {
		return s.readEvents(ctx, resp.Body, req)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, int64(s.client.maxPayloadSize)+1))
	if err != nil {
		return s.exchangeError(ctx, req.Method, err)
	}
	if len(payload) > s.client.maxPayloadSize {
		s.deliver(Response{ID: req.ID, Kind: ResponseRaw, Status: resp.StatusCode, Raw: errMsgResponseTooLarge})
		return nil
	}

	s.deliver(decodeHTTPResponse(req.ID, resp.StatusCode, payload))
	return nil
}

// decodeHTTPResponse applies the status code to the decoded body: outside 2xx, only a structured
// JSON-RPC error is kept as such, anything else becomes raw text.
func decodeHTTPResponse(id RequestID, status int, payload []byte) Response {
	res := DecodeResponse(id, payload)
	res.Status = status
	if isSuccess(status) || res.Kind == ResponseFailure {
		return res
	}
	raw := string(payload)
	if strings.TrimSpace(raw) == "" {
		raw = http.StatusText(status)
	}
	return Response{ID: id, Kind: ResponseRaw, Status: status, Raw: raw}
}

func (s *streamableHTTPStream) readEvents(ctx context.Context, body io.Reader, req Request) error {
	var cfg *sse.ReadConfig
	if s.client.maxPayloadSize > 0 {
		cfg = &sse.ReadConfig{
			MaxEventSize: s.client.maxPayloadSize,
		}
	}

	answered := false
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			return s.exchangeError(ctx, req.Method, err)
		}
		if ev.Type != "" && ev.Type != eventTypeMessage {
			s.client.logger.Debug("ignoring event", "type", ev.Type, "endpoint", s.client.endpoint)
			continue
		}

		res := DecodeResponse(req.ID, []byte(ev.Data))
		res.Status = http.StatusOK
		s.deliver(res)
		if res.Method == "" && res.ID == req.ID {
			answered = true
			break
		}
	}

	if !answered {
		s.deliver(Response{ID: req.ID, Kind: ResponseRaw, Status: http.StatusOK, Raw: errMsgStreamNoResponse})
	}
	return nil
}

func (s *streamableHTTPStream) Messages() iter.Seq[Response] {
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

func (s *streamableHTTPStream) Metadata() Metadata {
	return streamableHTTPMetadata{stream: s}
}

// Probe sends a GET to the endpoint and returns the session identifier found in the response headers.
// The body is not read: some servers answer the GET with a long-lived event stream.
func (s *streamableHTTPStream) Probe(ctx context.Context) (string, error) {
	if s.isClosed() {
		return "", &ConnectionError{Endpoint: s.client.endpoint, Err: net.ErrClosed}
	}
	ctx, cancel := s.exchangeContext(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.endpoint, nil)
	if err != nil {
		return "", &ConnectionError{Endpoint: s.client.endpoint, Err: err}
	}
	httpReq.Header.Set("Accept", acceptProbe)
	for k, vs := range s.client.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := s.client.httpClient.Do(httpReq)
	if err != nil {
		return "", s.exchangeError(ctx, "probe", err)
	}
	resp.Body.Close()

	id := resp.Header.Get(HeaderSessionID)
	s.client.logger.Debug("probed endpoint", "endpoint", s.client.endpoint, "status", resp.StatusCode,
		"session_id", id)
	if id != "" {
		s.mu.Lock()
		s.sessionID = id
		s.mu.Unlock()
	}
	return id, nil
}

func (s *streamableHTTPStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.RLock()
		id := s.sessionID
		s.mu.RUnlock()
		if id != "" {
			s.terminate(id)
		}
		s.cancel()
		close(s.done)
	})
	return nil
}

// terminate asks the server to drop the session. Servers that do not support it answer 405, which is
// fine.
func (s *streamableHTTPStream) terminate(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.closeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.client.endpoint, nil)
	if err != nil {
		return
	}
	for k, vs := range s.client.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(HeaderSessionID, id)

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		s.client.logger.Debug("failed to terminate session", "session_id", id, "err", err)
		return
	}
	resp.Body.Close()
}

func (s *streamableHTTPStream) deliver(res Response) {
	select {
	case s.incoming <- res:
	case <-s.done:
	}
}

func (s *streamableHTTPStream) setHeaders(req *http.Request) {
	for k, vs := range s.client.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	s.mu.RLock()
	id := s.sessionID
	s.mu.RUnlock()
	if id != "" {
		req.Header.Set(HeaderSessionID, id)
	}
}

func (s *streamableHTTPStream) captureSessionID(h http.Header) {
	id := h.Get(HeaderSessionID)
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != id {
		s.client.logger.Debug("captured session id", "session_id", id, "endpoint", s.client.endpoint)
		s.sessionID = id
	}
}

// exchangeContext bounds a single HTTP exchange by the client timeout and by the stream's lifetime.
func (s *streamableHTTPStream) exchangeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	var cancel context.CancelFunc
	if s.client.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.client.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *streamableHTTPStream) exchangeError(ctx context.Context, op string, err error) error {
	if s.isClosed() {
		return &ConnectionError{Endpoint: s.client.endpoint, Err: net.ErrClosed}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isNetTimeout(err) {
		return &TimeoutError{Op: op, Timeout: s.client.timeout}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s canceled: %w", op, context.Canceled)
	}
	s.client.logger.Error("http exchange failed", "method", op, "endpoint", s.client.endpoint, "err", err)
	return &ConnectionError{Endpoint: s.client.endpoint, Err: err}
}

func (s *streamableHTTPStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (m streamableHTTPMetadata) SessionID() string {
	m.stream.mu.RLock()
	defer m.stream.mu.RUnlock()
	return m.stream.sessionID
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == mediaTypeEventStream
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
