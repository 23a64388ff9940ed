package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateUninitialized is the state of a session that has not started its handshake.
	StateUninitialized State = iota
	// StateInitializing is the state while the handshake is in flight.
	StateInitializing
	// StateReady is the only state in which tools can be listed and called.
	StateReady
	// StateClosed is terminal.
	StateClosed
)

// Addressing selects how the session identifies itself to the server.
type Addressing int

const (
	// AddressingAuto performs the standard handshake and falls back to header addressing when the
	// server does not complete it but offers a session identifier in its response headers.
	AddressingAuto Addressing = iota
	// AddressingStandard performs the standard handshake only; the transport attaches whatever
	// session identifier the server assigned.
	AddressingStandard
	// AddressingHeader skips the in-body handshake: the session probes the endpoint for a session
	// identifier and echoes it as a top-level "sessionId" field of every request.
	AddressingHeader
)

// Session is a client session with one MCP server. It is safe for concurrent use: any number of
// goroutines may list and call tools at the same time, and each request waits only for its own
// response.
//
// A Session is created with NewSession and becomes usable after Initialize succeeds, or in one step
// with Connect. It must be closed with Close, which also closes the transport stream.
type Session struct {
	transport        ClientTransport
	info             Info
	capabilities     ClientCapabilities
	logger           *slog.Logger
	requestTimeout   time.Duration
	handshakeTimeout time.Duration
	addressing       Addressing
	validate         bool

	nextID atomic.Int64
	state  atomic.Int32

	mu                 sync.Mutex
	stream             Stream
	pending            map[RequestID]chan Response
	sessionID          string
	mode               Addressing
	serverInfo         Info
	serverCapabilities ServerCapabilities
	protocolVersion    string
	instructions       string
	tools              *ToolRegistry

	done      chan struct{}
	closeOnce sync.Once
}

// SessionOption represents the options for a Session.
type SessionOption func(*Session)

const (
	defaultRequestTimeout   = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	cancelNotifyTimeout     = 2 * time.Second
)

// NewSession creates an unconnected session over transport. Nothing is sent until Initialize.
func NewSession(transport ClientTransport, options ...SessionOption) *Session {
	s := &Session{
		transport:        transport,
		info:             Info{Name: "go-mcp-client", Version: "1.0.0"},
		logger:           slog.Default(),
		requestTimeout:   defaultRequestTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		pending:          make(map[RequestID]chan Response),
		done:             make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Connect creates a session over transport and initializes it. On failure the session is already
// closed and a nil session is returned.
func Connect(ctx context.Context, transport ClientTransport, options ...SessionOption) (*Session, error) {
	s := NewSession(transport, options...)
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// WithSessionInfo sets the clientInfo sent in the handshake.
func WithSessionInfo(info Info) SessionOption {
	return func(s *Session) {
		s.info = info
	}
}

// WithSessionCapabilities sets the client capabilities sent in the handshake.
func WithSessionCapabilities(capabilities ClientCapabilities) SessionOption {
	return func(s *Session) {
		s.capabilities = capabilities
	}
}

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithRequestTimeout bounds the wait for each individual response. A request that times out fails
// alone; the session stays usable.
func WithRequestTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = timeout
	}
}

// WithHandshakeTimeout bounds Initialize as a whole, probes included.
func WithHandshakeTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.handshakeTimeout = timeout
	}
}

// WithAddressing selects the addressing strategy. The default is AddressingAuto.
func WithAddressing(addressing Addressing) SessionOption {
	return func(s *Session) {
		s.addressing = addressing
	}
}

// WithArgumentValidation makes CallTool validate arguments against the input schema from the latest
// ListTools result before sending anything. Tools missing from that result are not validated.
func WithArgumentValidation() SessionOption {
	return func(s *Session) {
		s.validate = true
	}
}

// Initialize opens the transport and performs the handshake. It may only be called once, on an
// UNINITIALIZED session; any other call fails with ErrInvalidState. On failure the session is CLOSED.
//
// When the server answers the handshake with a valid result, the session is READY with standard
// addressing. When it answers with an error, a bare body or text, the session probes the endpoint for
// a session identifier and, if one is offered, becomes READY with header addressing. Otherwise
// Initialize fails with *ProtocolError. A handshake that outlives the handshake timeout fails with a
// *TimeoutError matching ErrHandshakeTimeout.
func (s *Session) Initialize(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return fmt.Errorf("failed to initialize session in state %s: %w", s.State(), ErrInvalidState)
	}

	if err := s.initialize(ctx); err != nil {
		s.logger.Error("failed to initialize session", "err", err)
		_ = s.shutdown()
		if errors.Is(err, ErrSessionClosed) {
			return ErrSessionClosed
		}
		return err
	}

	if !s.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) {
		return ErrSessionClosed
	}

	s.logger.Info("session ready", "session_id", s.SessionID(), "addressing", s.Addressing().String(),
		"server", s.ServerInfo().Name)
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	if s.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handshakeTimeout)
		defer cancel()
	}

	stream, err := s.transport.Open(ctx)
	if err != nil {
		return s.handshakeError(ctx, err)
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = stream.Close()
		return ErrSessionClosed
	default:
	}
	s.stream = stream
	s.mu.Unlock()

	go s.listenMessages(stream)

	if s.addressing == AddressingHeader {
		return s.handshakeError(ctx, s.adoptHeaderSession(ctx, stream, nil))
	}

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.capabilities,
		ClientInfo:      s.info,
	}
	res, err := s.roundTrip(ctx, MethodInitialize, params)
	if err != nil {
		return s.handshakeError(ctx, err)
	}

	if cause := s.acceptInitializeResult(res); cause != nil {
		if s.addressing == AddressingStandard {
			return cause
		}
		s.logger.Warn("server did not complete the handshake, probing for a session id", "err", cause)
		return s.handshakeError(ctx, s.adoptHeaderSession(ctx, stream, cause))
	}

	if id := stream.Metadata().SessionID(); id == "" && s.addressing == AddressingAuto {
		probed, err := stream.Probe(ctx)
		if err != nil {
			s.logger.Debug("probe after handshake failed", "err", err)
		}
		if probed != "" {
			s.setAddressing(AddressingHeader, probed)
			return nil
		}
	}

	s.setAddressing(AddressingStandard, stream.Metadata().SessionID())
	s.notify(ctx, MethodNotificationsInitialized, nil)
	return nil
}

// acceptInitializeResult records the server's handshake result. It returns the reason the response
// does not count as a completed handshake.
func (s *Session) acceptInitializeResult(res Response) error {
	if err := res.Err(); err != nil {
		return err
	}
	if res.IsBare() {
		return &ProtocolError{Reason: "initialize returned no result"}
	}
	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return &ProtocolError{Reason: "malformed initialize result", Raw: string(res.Result), Err: err}
	}
	if result.ProtocolVersion == "" {
		return &ProtocolError{Reason: "initialize result has no protocol version", Raw: string(res.Result)}
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.serverCapabilities = result.Capabilities
	s.protocolVersion = result.ProtocolVersion
	s.instructions = result.Instructions
	s.mu.Unlock()
	return nil
}

func (s *Session) adoptHeaderSession(ctx context.Context, stream Stream, cause error) error {
	id, err := stream.Probe(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		id = stream.Metadata().SessionID()
	}
	if id == "" {
		if cause != nil {
			return &ProtocolError{Reason: "handshake failed and server offered no session id", Err: cause}
		}
		return &ProtocolError{Reason: "server offered no session id"}
	}
	s.setAddressing(AddressingHeader, id)
	return nil
}

func (s *Session) setAddressing(mode Addressing, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.sessionID = id
}

func (s *Session) handshakeError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: MethodInitialize, Timeout: s.handshakeTimeout, Handshake: true}
	}
	var ce *ConnectionError
	if errors.As(err, &ce) || errors.Is(err, ErrSessionClosed) {
		return err
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	var se *ServerError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ConnectionError{Err: err}
}

// ListTools fetches the tools the server offers, following pagination until the server stops returning
// a cursor. The result is never cached; every call asks the server. Tool names in the result are
// unique: when the server repeats a name, the first definition wins.
func (s *Session) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var tools []ToolDescriptor
	seen := make(map[string]bool)
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = ListToolsParams{Cursor: cursor}
		}
		res, err := s.roundTrip(ctx, MethodToolsList, params)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}
		if err := res.Err(); err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}

		var result ListToolsResult
		if len(res.Result) > 0 {
			if err := json.Unmarshal(res.Result, &result); err != nil {
				return nil, &ProtocolError{Reason: "malformed tools/list result", Raw: string(res.Result), Err: err}
			}
		}
		for _, raw := range result.Tools {
			var tool Tool
			if err := json.Unmarshal(raw, &tool); err != nil || tool.Name == "" {
				s.logger.Warn("skipping malformed tool definition", "raw", truncate(string(raw), 200), "err", err)
				continue
			}
			tools = append(tools, ParseToolDescriptor(tool, s.logger))
		}

		if result.NextCursor == "" || seen[result.NextCursor] {
			break
		}
		seen[result.NextCursor] = true
		cursor = result.NextCursor
	}

	registry := NewToolRegistry(tools, s.logger)
	s.mu.Lock()
	s.tools = registry
	s.mu.Unlock()

	return registry.Tools(), nil
}

// CallTool invokes the named tool with arguments. A nil arguments map is sent as an empty object.
//
// A JSON-RPC error from the server is returned as *ServerError and leaves the session READY. A response
// that is not JSON-RPC is returned as *ProtocolError. A bare success yields a result with no content.
// A result with IsError set is returned without error: the call worked, the tool reported a failure.
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any) (CallToolResult, error) {
	if err := s.ready(); err != nil {
		return CallToolResult{}, err
	}

	if s.validate {
		s.mu.Lock()
		registry := s.tools
		s.mu.Unlock()
		if desc, ok := registry.Lookup(name); ok {
			if err := desc.ValidateArguments(ctx, arguments); err != nil {
				return CallToolResult{}, err
			}
		}
	}

	if arguments == nil {
		arguments = map[string]any{}
	}
	args, err := json.Marshal(arguments)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal arguments of %s: %w", name, err)
	}

	res, err := s.roundTrip(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool %s: %w", name, err)
	}
	if err := res.Err(); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool %s: %w", name, err)
	}

	var result CallToolResult
	if len(res.Result) > 0 {
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return CallToolResult{}, &ProtocolError{Reason: "malformed tools/call result", Raw: string(res.Result), Err: err}
		}
	}
	return result, nil
}

// Ping checks that the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.roundTrip(ctx, MethodPing, nil)
	if err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}
	return nil
}

// Close closes the session and its transport stream. It may be called in any state and more than once.
// Requests still waiting for a response fail with ErrSessionClosed.
func (s *Session) Close() error {
	return s.shutdown()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// SessionID returns the identifier the server assigned, or "" for a stateless server.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Addressing returns the addressing strategy in effect once the session is READY.
func (s *Session) Addressing() Addressing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ServerInfo returns the serverInfo from the handshake. It is empty when the server never completed
// the standard handshake.
func (s *Session) ServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Capabilities returns the capabilities the server declared in the handshake.
func (s *Session) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverCapabilities
}

// ProtocolVersion returns the protocol version the server agreed to, or "" when the handshake was
// skipped.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// Instructions returns the usage instructions the server sent in the handshake, if any.
func (s *Session) Instructions() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instructions
}

func (s *Session) ready() error {
	switch s.State() {
	case StateReady:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrNotReady
	}
}

// roundTrip sends one request and waits for the response carrying the same id.
func (s *Session) roundTrip(ctx context.Context, method string, params any) (Response, error) {
	id := RequestID(strconv.FormatInt(s.nextID.Add(1), 10))
	wait := make(chan Response, 1)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return Response{}, ErrSessionClosed
	default:
	}
	s.pending[id] = wait
	stream := s.stream
	req := Request{ID: id, Method: method, Params: params}
	if s.mode == AddressingHeader {
		req.SessionID = s.sessionID
	}
	s.mu.Unlock()
	defer s.forget(id)

	reqCtx := ctx
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	s.logger.Debug("sending request", "method", method, "id", id)
	if err := stream.Send(reqCtx, req); err != nil {
		// The response may have been delivered before the exchange reported its error.
		select {
		case res := <-wait:
			return res, nil
		default:
		}
		return Response{}, s.sendFailed(ctx, reqCtx, method, id, err)
	}

	select {
	case res := <-wait:
		return res, nil
	case <-s.done:
		return Response{}, ErrSessionClosed
	case <-reqCtx.Done():
		return Response{}, s.abandoned(ctx, method, id)
	}
}

func (s *Session) sendFailed(ctx, reqCtx context.Context, method string, id RequestID, err error) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	var ce *ConnectionError
	switch {
	case errors.Is(err, ErrTimeout):
		return err
	case reqCtx.Err() != nil:
		return s.abandoned(ctx, method, id)
	case errors.As(err, &ce):
		// The stream is unusable; every other request would fail the same way.
		if s.State() == StateReady {
			s.logger.Error("transport failed, closing session", "method", method, "err", err)
			_ = s.shutdown()
		}
		return err
	}
	return err
}

// abandoned reports why the wait for id ended early and tells the server when the caller gave up.
func (s *Session) abandoned(ctx context.Context, method string, id RequestID) error {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		go s.notifyCancelled(id)
		return err
	}
	s.logger.Warn("request timed out", "method", method, "id", id)
	return &TimeoutError{Op: method, Timeout: s.requestTimeout}
}

func (s *Session) notifyCancelled(id RequestID) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelNotifyTimeout)
	defer cancel()
	s.notify(ctx, MethodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    userCancelledReason,
	})
}

// notify sends a notification. Failures are logged; notifications have no response to wait for.
func (s *Session) notify(ctx context.Context, method string, params any) {
	s.mu.Lock()
	stream := s.stream
	req := Request{Method: method, Params: params}
	if s.mode == AddressingHeader {
		req.SessionID = s.sessionID
	}
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.Send(ctx, req); err != nil {
		s.logger.Warn("failed to send notification", "method", method, "err", err)
	}
}

func (s *Session) forget(id RequestID) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// listenMessages routes every inbound frame to the request waiting for it.
func (s *Session) listenMessages(stream Stream) {
	for res := range stream.Messages() {
		if res.Method != "" {
			s.logger.Debug("ignoring server message", "method", res.Method, "id", res.ID)
			continue
		}

		s.mu.Lock()
		wait, ok := s.pending[res.ID]
		if ok {
			delete(s.pending, res.ID)
		}
		s.mu.Unlock()

		if !ok {
			s.logger.Warn("dropping response for unknown request", "id", res.ID)
			continue
		}
		wait <- res
	}

	select {
	case <-s.done:
		return
	default:
	}
	s.logger.Error("transport stream ended, closing session", "err", io.ErrUnexpectedEOF)
	_ = s.shutdown()
}

func (s *Session) shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))

		s.mu.Lock()
		close(s.done)
		stream := s.stream
		s.pending = make(map[RequestID]chan Response)
		s.mu.Unlock()

		if stream != nil {
			if cerr := stream.Close(); cerr != nil {
				err = fmt.Errorf("failed to close stream: %w", cerr)
			}
		}
		s.logger.Debug("session closed")
	})
	return err
}

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (a Addressing) String() string {
	switch a {
	case AddressingAuto:
		return "auto"
	case AddressingStandard:
		return "standard"
	case AddressingHeader:
		return "header"
	default:
		return "unknown"
	}
}
