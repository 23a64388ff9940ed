package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// headerOnlySessionKey is the exact header spelling used by header-only servers.
const headerOnlySessionKey = "mcp-session-id"

const maxRequestBody = 4 << 20

// ServeHTTP implements http.Handler on a single MCP endpoint: POST carries JSON-RPC messages, GET is
// answered per Mode, DELETE ends a session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	if s.mode != ModeHeaderOnly {
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	id := s.newSession()
	w.Header()[headerOnlySessionKey] = []string{id}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "MCP endpoint ready")
	s.logger.Debug("issued session", "session_id", id)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(mcp.HeaderSessionID)
	if id == "" || !s.dropSession(id) {
		http.Error(w, errMsgNoSession, http.StatusNotFound)
		return
	}
	s.logger.Debug("session terminated", "session_id", id)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		http.Error(w, "Unsupported Media Type: content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&msg); err != nil {
		s.logger.Warn("failed to decode message", "err", err)
		http.Error(w, errMsgInvalidJSON, http.StatusBadRequest)
		return
	}

	if s.mode == ModeHeaderOnly {
		s.handleHeaderOnlyPost(w, r, msg)
		return
	}
	s.handleStandardPost(w, r, msg)
}

func (s *Server) handleStandardPost(w http.ResponseWriter, r *http.Request, msg mcp.JSONRPCMessage) {
	if !s.stateless {
		if msg.Method == mcp.MethodInitialize {
			w.Header().Set(mcp.HeaderSessionID, s.newSession())
		} else if id := r.Header.Get(mcp.HeaderSessionID); !s.hasSession(id) {
			s.writeMessage(w, r, http.StatusBadRequest, &mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      msg.ID,
				Error:   &mcp.JSONRPCError{Code: mcp.CodeInvalidRequest, Message: errMsgNoSession},
			})
			return
		}
	}

	res := s.Handle(r.Context(), msg)
	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeMessage(w, r, http.StatusOK, res)
}

// handleHeaderOnlyPost mimics servers that only understand a body-level session identifier and answer
// anything they do not recognize with a bare success.
func (s *Server) handleHeaderOnlyPost(w http.ResponseWriter, r *http.Request, msg mcp.JSONRPCMessage) {
	known := s.hasSession(msg.SessionID)
	if !known {
		w.Header()[headerOnlySessionKey] = []string{s.newSession()}
	}

	switch msg.Method {
	case mcp.MethodPing, mcp.MethodToolsList, mcp.MethodToolsCall:
		if !known {
			http.Error(w, errMsgNoSession, http.StatusBadRequest)
			return
		}
		s.writeMessage(w, r, http.StatusOK, s.Handle(r.Context(), msg))
	default:
		if msg.ID == "" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "{}")
	}
}

func (s *Server) writeMessage(w http.ResponseWriter, r *http.Request, status int, msg *mcp.JSONRPCMessage) {
	bs, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message", "err", err)
		http.Error(w, errMsgInternalError, http.StatusInternalServerError)
		return
	}

	if s.sse && status == http.StatusOK {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err == nil {
			s.writeEvent(w, r, bs)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(bs)
}

func (s *Server) writeEvent(w http.ResponseWriter, r *http.Request, data []byte) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		s.logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	msg := &sse.Message{
		Type: sse.Type("message"),
	}
	msg.AppendData(string(data))
	if err := sess.Send(msg); err != nil {
		s.logger.Error("failed to write event", "err", err)
		return
	}
	if err := sess.Flush(); err != nil {
		s.logger.Error("failed to flush event", "err", err)
	}
}

// ListenAndServe serves the MCP endpoint on addr at path until ctx is canceled or Shutdown is called.
// Once the listener is bound, Addr reports its address.
func (s *Server) ListenAndServe(ctx context.Context, addr, path string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(path, s)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	served := make(chan struct{})
	defer close(served)
	go func() {
		select {
		case <-ctx.Done():
		case <-served:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("serving MCP endpoint", "endpoint", "http://"+ln.Addr().String()+path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Addr returns the bound address once ListenAndServe is running, or "".
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops a server started with ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	return nil
}
