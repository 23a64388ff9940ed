// Package toolserver is a small MCP tool server speaking streamable HTTP and newline-delimited stdio.
//
// It exists to exercise the client against both kinds of servers found in deployments: ones that
// follow the protocol (ModeStandard) and degraded ones that hand out their session identifier only
// through a response header, answer the handshake with a bare body and expect the identifier echoed
// as a top-level "sessionId" field (ModeHeaderOnly).
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/google/uuid"
)

// Mode selects how the server handles sessions over HTTP.
type Mode int

const (
	// ModeStandard issues an Mcp-Session-Id header in response to initialize and requires it on every
	// later request.
	ModeStandard Mode = iota
	// ModeHeaderOnly never completes the in-body handshake. Any GET, and any POST without a valid
	// session, is answered with a fresh mcp-session-id header; requests must carry that identifier in
	// a top-level "sessionId" field.
	ModeHeaderOnly
)

// Server is an MCP tool server. Register tools with AddTool or AddRawTool before serving.
type Server struct {
	info         mcp.Info
	instructions string
	mode         Mode
	sse          bool
	stateless    bool
	pageSize     int
	logger       *slog.Logger

	mu       sync.RWMutex
	tools    []*tool
	byName   map[string]*tool
	sessions map[string]time.Time

	httpServer *http.Server
	listener   net.Listener
}

// Option represents the options for the Server.
type Option func(*Server)

type initializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ServerCapabilities `json:"capabilities"`
	ServerInfo      mcp.Info               `json:"serverInfo"`
	Instructions    string                 `json:"instructions,omitempty"`
}

type listToolsResult struct {
	Tools      []mcp.Tool `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

const (
	errMsgNoSession     = "Bad Request: No valid session ID provided"
	errMsgInvalidJSON   = "Bad Request: invalid JSON"
	errMsgUnknownTool   = "Unknown tool"
	errMsgInvalidParams = "Invalid params"
	errMsgInternalError = "Internal error"
)

// New creates a server identified by info.
func New(info mcp.Info, options ...Option) *Server {
	s := &Server{
		info:     info,
		logger:   slog.Default(),
		byName:   make(map[string]*tool),
		sessions: make(map[string]time.Time),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithMode sets the session handling mode. The default is ModeStandard.
func WithMode(mode Mode) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

// WithSSEResponses makes the server answer POSTs with a one-event text/event-stream whenever the
// client accepts it.
func WithSSEResponses() Option {
	return func(s *Server) {
		s.sse = true
	}
}

// WithStatelessSessions makes a ModeStandard server neither issue nor require session identifiers.
func WithStatelessSessions() Option {
	return func(s *Server) {
		s.stateless = true
	}
}

// WithPageSize splits tools/list results into pages of size tools.
func WithPageSize(size int) Option {
	return func(s *Server) {
		s.pageSize = size
	}
}

// WithInstructions sets the instructions returned in the handshake result.
func WithInstructions(instructions string) Option {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Info returns the server identity.
func (s *Server) Info() mcp.Info {
	return s.info
}

// Handle processes one request or notification and returns the response to send back, or nil for
// notifications.
func (s *Server) Handle(ctx context.Context, msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
	if msg.ID == "" {
		s.logger.Debug("received notification", "method", msg.Method)
		return nil
	}

	result, rpcErr := s.dispatch(ctx, msg)
	if rpcErr != nil {
		return &mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: msg.ID, Error: rpcErr}
	}
	bs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", "method", msg.Method, "err", err)
		return &mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      msg.ID,
			Error:   &mcp.JSONRPCError{Code: mcp.CodeInternalError, Message: errMsgInternalError},
		}
	}
	return &mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: msg.ID, Result: bs}
}

func (s *Server) dispatch(ctx context.Context, msg mcp.JSONRPCMessage) (any, *mcp.JSONRPCError) {
	switch msg.Method {
	case mcp.MethodInitialize:
		return initializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
			ServerInfo:      s.info,
			Instructions:    s.instructions,
		}, nil
	case mcp.MethodPing:
		return struct{}{}, nil
	case mcp.MethodToolsList:
		return s.listTools(msg.Params)
	case mcp.MethodToolsCall:
		return s.callTool(ctx, msg.Params)
	default:
		return nil, &mcp.JSONRPCError{
			Code:    mcp.CodeMethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", msg.Method),
		}
	}
}

func (s *Server) listTools(params json.RawMessage) (any, *mcp.JSONRPCError) {
	var p mcp.ListToolsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: errMsgInvalidParams}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if p.Cursor != "" {
		n, err := strconv.Atoi(p.Cursor)
		if err != nil || n < 0 || n > len(s.tools) {
			return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: "Invalid cursor"}
		}
		start = n
	}
	end := len(s.tools)
	if s.pageSize > 0 && start+s.pageSize < end {
		end = start + s.pageSize
	}

	result := listToolsResult{Tools: make([]mcp.Tool, 0, end-start)}
	for _, t := range s.tools[start:end] {
		result.Tools = append(result.Tools, t.def)
	}
	if end < len(s.tools) {
		result.NextCursor = strconv.Itoa(end)
	}
	return result, nil
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *mcp.JSONRPCError) {
	var p mcp.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: errMsgInvalidParams}
	}

	s.mu.RLock()
	t, ok := s.byName[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: fmt.Sprintf("%s: %s", errMsgUnknownTool, p.Name)}
	}

	args := p.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	if err := t.validate(ctx, args); err != nil {
		return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
	}

	s.logger.Debug("calling tool", "tool", p.Name)
	result, err := t.handler(ctx, args)
	if err != nil {
		var rpcErr *mcp.JSONRPCError
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		s.logger.Warn("tool failed", "tool", p.Name, "err", err)
		return mcp.CallToolResult{
			Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: err.Error()}},
			IsError: true,
		}, nil
	}
	if result.Content == nil {
		result.Content = []mcp.Content{}
	}
	return result, nil
}

func (s *Server) newSession() string {
	id := uuid.New().String()
	s.mu.Lock()
	s.sessions[id] = time.Now()
	s.mu.Unlock()
	return id
}

func (s *Server) hasSession(id string) bool {
	if id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

func (s *Server) dropSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// SessionCount returns the number of live HTTP sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
