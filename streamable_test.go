package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/servers/calculator"
	"github.com/MegaGrindStone/go-mcp-client/servers/weather"
	"github.com/MegaGrindStone/go-mcp-client/toolserver"
	"github.com/google/go-cmp/cmp"
)

func connectHTTP(t *testing.T, url string, clientOpts []mcp.StreamableHTTPClientOption, opts ...mcp.SessionOption) *mcp.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mcp.Connect(ctx, mcp.NewStreamableHTTPClient(url, nil, clientOpts...), opts...)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestStreamableHTTPStandardServer(t *testing.T) {
	srv := weather.New()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sess := connectHTTP(t, ts.URL, nil)

	if sess.Addressing() != mcp.AddressingStandard {
		t.Errorf("Addressing() = %s, want standard", sess.Addressing())
	}
	if sess.SessionID() == "" {
		t.Error("SessionID() is empty, want the id from the Mcp-Session-Id header")
	}
	if sess.ServerInfo().Name != "weather" {
		t.Errorf("ServerInfo().Name = %q, want weather", sess.ServerInfo().Name)
	}

	ctx := context.Background()
	tools, err := sess.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "get_weather" {
		t.Fatalf("ListTools() = %+v, want get_weather", tools)
	}
	if tools[0].HasSchema() || len(tools[0].Parameters) != 0 {
		t.Errorf("get_weather should have no parameter information, got %+v", tools[0])
	}

	res, err := sess.CallTool(ctx, "get_weather", map[string]any{"location": "Chicago"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if res.Text() != "Sunny, 75°F" {
		t.Errorf("CallTool() = %q, want %q", res.Text(), "Sunny, 75°F")
	}

	if err := sess.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := srv.SessionCount(); n != 0 {
		t.Errorf("server still holds %d sessions after Close", n)
	}
}

func TestStreamableHTTPEventStreamResponses(t *testing.T) {
	ts := httptest.NewServer(calculator.New(toolserver.WithSSEResponses()))
	defer ts.Close()

	sess := connectHTTP(t, ts.URL, nil)

	res, err := sess.CallTool(context.Background(), "add", map[string]any{"a": 2, "b": 40})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if res.Text() != "42" {
		t.Errorf("CallTool(add) = %q, want 42", res.Text())
	}
}

func TestStreamableHTTPHeaderOnlyServer(t *testing.T) {
	const sessionID = "abc123"

	var (
		mu     sync.Mutex
		bodies []map[string]any
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header()["mcp-session-id"] = []string{sessionID}
			_, _ = io.WriteString(w, "MCP endpoint ready")
			return
		case http.MethodPost:
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Bad Request: invalid JSON", http.StatusBadRequest)
			return
		}
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		if body["sessionId"] != sessionID {
			http.Error(w, "Bad Request: No valid session ID provided", http.StatusBadRequest)
			return
		}
		var result any
		switch body["method"] {
		case "tools/list":
			result = map[string]any{"tools": []any{map[string]any{"name": "get_weather", "description": "Get weather"}}}
		case "tools/call":
			result = map[string]any{"content": []any{map[string]any{"type": "text", "text": "Sunny, 75°F"}}}
		default:
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": body["id"], "result": result})
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	sess := connectHTTP(t, ts.URL, nil)

	if sess.Addressing() != mcp.AddressingHeader {
		t.Fatalf("Addressing() = %s, want header", sess.Addressing())
	}
	if sess.SessionID() != sessionID {
		t.Errorf("SessionID() = %q, want %q", sess.SessionID(), sessionID)
	}

	ctx := context.Background()
	tools, err := sess.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "get_weather" {
		t.Fatalf("ListTools() = %+v, want get_weather", tools)
	}
	res, err := sess.CallTool(ctx, "get_weather", map[string]any{"location": "Chicago"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if res.Text() != "Sunny, 75°F" {
		t.Errorf("CallTool() = %q, want %q", res.Text(), "Sunny, 75°F")
	}

	mu.Lock()
	defer mu.Unlock()
	var methods []string
	for _, b := range bodies {
		if b["method"] == "initialize" {
			continue
		}
		methods = append(methods, b["method"].(string))
		if b["sessionId"] != sessionID {
			t.Errorf("%s body sessionId = %v, want %q", b["method"], b["sessionId"], sessionID)
		}
	}
	if diff := cmp.Diff([]string{"tools/list", "tools/call"}, methods); diff != "" {
		t.Errorf("methods after the handshake mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamableHTTPHeaderOnlyToolServer(t *testing.T) {
	ts := httptest.NewServer(calculator.New(toolserver.WithMode(toolserver.ModeHeaderOnly)))
	defer ts.Close()

	sess := connectHTTP(t, ts.URL, nil)
	if sess.Addressing() != mcp.AddressingHeader {
		t.Fatalf("Addressing() = %s, want header", sess.Addressing())
	}

	res, err := sess.CallTool(context.Background(), "evaluate_expression", map[string]any{"expression": "2+3*4"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if res.Text() != "2+3*4 = 14" {
		t.Errorf("CallTool() = %q, want %q", res.Text(), "2+3*4 = 14")
	}
}

// scriptedServer completes a standard handshake and hands every other POST to fn.
func scriptedServer(fn func(w http.ResponseWriter, method string, id any)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		switch body.Method {
		case mcp.MethodInitialize:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(mcp.HeaderSessionID, "sess-1")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      body.ID,
				"result":  map[string]any{"protocolVersion": mcp.ProtocolVersion, "serverInfo": map[string]any{"name": "scripted"}},
			})
		case mcp.MethodNotificationsInitialized, mcp.MethodNotificationsCancelled:
			w.WriteHeader(http.StatusAccepted)
		default:
			fn(w, body.Method, body.ID)
		}
	})
}

func TestStreamableHTTPPlainTextError(t *testing.T) {
	ts := httptest.NewServer(scriptedServer(func(w http.ResponseWriter, _ string, _ any) {
		http.Error(w, "Bad Request: No valid session ID provided", http.StatusBadRequest)
	}))
	defer ts.Close()

	sess := connectHTTP(t, ts.URL, nil)

	_, err := sess.CallTool(context.Background(), "get_weather", map[string]any{"location": "Chicago"})
	var pe *mcp.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("CallTool() error = %v, want *ProtocolError", err)
	}
	if pe.Status != http.StatusBadRequest {
		t.Errorf("ProtocolError.Status = %d, want 400", pe.Status)
	}
	if !strings.Contains(pe.Raw, "No valid session ID provided") {
		t.Errorf("ProtocolError.Raw = %q, want the server text", pe.Raw)
	}
	if sess.State() != mcp.StateReady {
		t.Errorf("State() = %s, want ready", sess.State())
	}
}

func TestStreamableHTTPErrorStatusWithJSONRPCError(t *testing.T) {
	ts := httptest.NewServer(scriptedServer(func(w http.ResponseWriter, method string, id any) {
		w.Header().Set("Content-Type", "application/json")
		if method == mcp.MethodToolsList {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": id, "result": map[string]any{"tools": []any{map[string]any{"name": "add"}}},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": -32601, "message": "Method not found"},
		})
	}))
	defer ts.Close()

	sess := connectHTTP(t, ts.URL, nil)
	ctx := context.Background()

	_, err := sess.CallTool(ctx, "add", nil)
	var se *mcp.ServerError
	if !errors.As(err, &se) {
		t.Fatalf("CallTool() error = %v, want *ServerError", err)
	}
	if se.Code != mcp.CodeMethodNotFound {
		t.Errorf("ServerError.Code = %d, want %d", se.Code, mcp.CodeMethodNotFound)
	}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() after a server error: %v", err)
	}
	if len(tools) != 1 {
		t.Errorf("ListTools() = %+v, want one tool", tools)
	}
}

func TestStreamableHTTPBareAccepted(t *testing.T) {
	ts := httptest.NewServer(scriptedServer(func(w http.ResponseWriter, _ string, _ any) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	sess := connectHTTP(t, ts.URL, nil)

	res, err := sess.CallTool(context.Background(), "fire_and_forget", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if len(res.Content) != 0 || res.IsError {
		t.Errorf("CallTool() = %+v, want an empty result", res)
	}
}

func TestStreamableHTTPEventStreamWithoutResponse(t *testing.T) {
	ts := httptest.NewServer(scriptedServer(func(w http.ResponseWriter, _ string, _ any) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: ping\ndata: {}\n\n")
	}))
	defer ts.Close()

	sess := connectHTTP(t, ts.URL, nil)

	_, err := sess.CallTool(context.Background(), "get_weather", nil)
	var pe *mcp.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("CallTool() error = %v, want *ProtocolError", err)
	}
}

func TestStreamableHTTPTimeout(t *testing.T) {
	ts := httptest.NewServer(scriptedServer(func(w http.ResponseWriter, method string, id any) {
		if method == mcp.MethodPing {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{}})
			return
		}
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	sess := connectHTTP(t, ts.URL, []mcp.StreamableHTTPClientOption{
		mcp.WithStreamableHTTPClientTimeout(100 * time.Millisecond),
	})

	_, err := sess.CallTool(context.Background(), "slow", nil)
	if !errors.Is(err, mcp.ErrTimeout) {
		t.Fatalf("CallTool() error = %v, want ErrTimeout", err)
	}
	if sess.State() != mcp.StateReady {
		t.Fatalf("State() = %s, want ready after a timeout", sess.State())
	}
	if err := sess.Ping(context.Background()); err != nil {
		t.Errorf("Ping() after a timeout: %v", err)
	}
}

func TestStreamableHTTPUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	sess := mcp.NewSession(mcp.NewStreamableHTTPClient(url, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sess.Initialize(ctx)
	var ce *mcp.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("Initialize() error = %v, want *ConnectionError", err)
	}
	if sess.State() != mcp.StateClosed {
		t.Errorf("State() = %s, want closed", sess.State())
	}
}

func TestStreamableHTTPInvalidEndpoint(t *testing.T) {
	_, err := mcp.NewStreamableHTTPClient("ftp://example.com/mcp", nil).Open(context.Background())
	var ce *mcp.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("Open() error = %v, want *ConnectionError", err)
	}
}

func TestStreamableHTTPPagination(t *testing.T) {
	ts := httptest.NewServer(calculator.New(toolserver.WithPageSize(1)))
	defer ts.Close()

	sess := connectHTTP(t, ts.URL, nil)

	tools, err := sess.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	want := []string{"evaluate_expression", "add", "multiply", "calculate_mortgage"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("tool names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b"}, tools[1].ParameterNames()); diff != "" {
		t.Errorf("add parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamableHTTPCustomHeaders(t *testing.T) {
	srv := weather.New()
	var (
		mu    sync.Mutex
		auths []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		srv.ServeHTTP(w, r)
	}))
	defer ts.Close()

	sess := connectHTTP(t, ts.URL, []mcp.StreamableHTTPClientOption{
		mcp.WithStreamableHTTPClientHeader("Authorization", "Bearer secret"),
	})
	if _, err := sess.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(auths) == 0 {
		t.Fatal("server saw no requests")
	}
	for i, a := range auths {
		if a != "Bearer secret" {
			t.Errorf("request %d Authorization = %q, want Bearer secret", i, a)
		}
	}
}

func TestStreamableHTTPEventStreamHeldOpen(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(scriptedServer(func(w http.ResponseWriter, _ string, id any) {
		data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{}})
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "event: message\ndata: "+string(data)+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}))
	defer ts.Close()
	defer close(release)

	sess := connectHTTP(t, ts.URL, nil)

	start := time.Now()
	if err := sess.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Ping() took %s, want it to return once the response event arrived", elapsed)
	}
}
