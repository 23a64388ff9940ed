// Package multiserver connects to several MCP servers at once and presents their tools under
// namespaced names of the form mcp_<server>_<tool>.
package multiserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/internal/config"
	"github.com/sourcegraph/conc/pool"
)

// ErrUnknownTool is returned by CallTool for a name that no connected server offers.
var ErrUnknownTool = errors.New("unknown tool")

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Server is one entry of the hub: a name and how to reach it.
type Server struct {
	Name      string
	Transport mcp.ClientTransport
	Options   []mcp.SessionOption
}

// Tool is a tool of one server under its namespaced name.
type Tool struct {
	mcp.ToolDescriptor
	// Namespaced is the name the hub exposes, mcp_<server>_<tool>.
	Namespaced string
	Server     string
}

// Hub holds one session per reachable server. Servers that fail to connect are recorded and skipped;
// they never prevent the others from being used.
type Hub struct {
	logger         *slog.Logger
	maxConcurrency int

	mu       sync.RWMutex
	sessions map[string]*mcp.Session
	failures map[string]error
	routes   map[string]Tool
}

// Option represents the options for the Hub.
type Option func(*Hub)

// WithLogger sets the logger for the hub.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithMaxConcurrency limits how many servers are contacted at the same time.
func WithMaxConcurrency(n int) Option {
	return func(h *Hub) {
		h.maxConcurrency = n
	}
}

// Dial connects to every server concurrently. It fails only when no server could be reached.
func Dial(ctx context.Context, servers []Server, options ...Option) (*Hub, error) {
	h := &Hub{
		logger:         slog.Default(),
		maxConcurrency: 8,
		sessions:       make(map[string]*mcp.Session),
		failures:       make(map[string]error),
		routes:         make(map[string]Tool),
	}
	for _, opt := range options {
		opt(h)
	}
	if h.maxConcurrency < 1 {
		h.maxConcurrency = 1
	}

	p := pool.New().WithMaxGoroutines(h.maxConcurrency)
	for _, srv := range servers {
		p.Go(func() {
			sess, err := mcp.Connect(ctx, srv.Transport, srv.Options...)

			h.mu.Lock()
			defer h.mu.Unlock()
			if err != nil {
				h.logger.Error("failed to connect to server", "server", srv.Name, "err", err)
				h.failures[srv.Name] = err
				return
			}
			h.sessions[srv.Name] = sess
		})
	}
	p.Wait()

	if len(h.sessions) == 0 && len(servers) > 0 {
		return nil, fmt.Errorf("failed to connect to any server: %w", h.joinedFailures())
	}
	return h, nil
}

// FromConfig builds the hub from a server catalog. httpClient may be nil.
func FromConfig(ctx context.Context, cfg *config.Config, httpClient *http.Client, options ...Option) (*Hub, error) {
	h := &Hub{logger: slog.Default()}
	for _, opt := range options {
		opt(h)
	}

	servers := make([]Server, 0, len(cfg.Servers))
	for _, name := range cfg.Names() {
		srv, err := serverFromConfig(name, cfg, httpClient, h.logger)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return Dial(ctx, servers, options...)
}

func serverFromConfig(name string, cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (Server, error) {
	sc := cfg.Servers[name]
	ep, err := sc.Endpoint()
	if err != nil {
		return Server{}, fmt.Errorf("server %s: %w", name, err)
	}
	addressing, err := sc.AddressingMode()
	if err != nil {
		return Server{}, fmt.Errorf("server %s: %w", name, err)
	}
	timeout := cfg.TimeoutFor(name)
	logger = logger.With("server", name)

	var transport mcp.ClientTransport
	switch ep.Kind {
	case mcp.TransportStdIO:
		transport = mcp.NewCommandTransport(sc.Command[0], sc.Command[1:], mcp.WithCommandTransportLogger(logger))
	default:
		opts := []mcp.StreamableHTTPClientOption{
			mcp.WithStreamableHTTPClientTimeout(timeout),
			mcp.WithStreamableHTTPClientLogger(logger),
		}
		for k, v := range sc.Headers {
			opts = append(opts, mcp.WithStreamableHTTPClientHeader(k, v))
		}
		transport = mcp.NewStreamableHTTPClient(ep.URL, httpClient, opts...)
	}

	return Server{
		Name:      name,
		Transport: transport,
		Options: []mcp.SessionOption{
			mcp.WithAddressing(addressing),
			mcp.WithRequestTimeout(timeout),
			mcp.WithHandshakeTimeout(timeout),
			mcp.WithSessionLogger(logger),
		},
	}, nil
}

// Tools lists the tools of every connected server, concurrently, and refreshes the routing table. A
// server whose listing fails is logged and left out; its previous routes are dropped.
func (h *Hub) Tools(ctx context.Context) []Tool {
	h.mu.RLock()
	names := make([]string, 0, len(h.sessions))
	for name := range h.sessions {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	listed := make([][]Tool, len(names))
	p := pool.New().WithMaxGoroutines(h.maxConcurrency)
	for i, name := range names {
		p.Go(func() {
			listed[i] = h.listServer(ctx, name)
		})
	}
	p.Wait()

	routes := make(map[string]Tool)
	var all []Tool
	for _, tools := range listed {
		for _, t := range tools {
			if existing, ok := routes[t.Namespaced]; ok {
				h.logger.Warn("namespaced tool name collision, keeping the first",
					"tool", t.Namespaced, "server", t.Server, "kept_server", existing.Server)
				continue
			}
			routes[t.Namespaced] = t
			all = append(all, t)
		}
	}

	h.mu.Lock()
	h.routes = routes
	h.mu.Unlock()
	return all
}

func (h *Hub) listServer(ctx context.Context, name string) []Tool {
	sess := h.Session(name)
	if sess == nil {
		return nil
	}
	descs, err := sess.ListTools(ctx)
	if err != nil {
		h.logger.Error("failed to list tools", "server", name, "err", err)
		return nil
	}
	tools := make([]Tool, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, Tool{ToolDescriptor: d, Namespaced: ToolName(name, d.Name), Server: name})
	}
	return tools
}

// CallTool calls a tool by its namespaced name. Tools must have been listed with Tools first.
func (h *Hub) CallTool(ctx context.Context, namespaced string, args map[string]any) (mcp.CallToolResult, error) {
	h.mu.RLock()
	t, ok := h.routes[namespaced]
	sess := h.sessions[t.Server]
	h.mu.RUnlock()
	if !ok || sess == nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, namespaced)
	}
	return sess.CallTool(ctx, t.Name, args)
}

// Session returns the session of the named server, or nil.
func (h *Hub) Session(name string) *mcp.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[name]
}

// Failures returns the connection error of every server that could not be reached.
func (h *Hub) Failures() map[string]error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	failures := make(map[string]error, len(h.failures))
	for k, v := range h.failures {
		failures[k] = v
	}
	return failures
}

// Close closes every session.
func (h *Hub) Close() error {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*mcp.Session)
	h.routes = make(map[string]Tool)
	h.mu.Unlock()

	var errs []error
	for name, sess := range sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) joinedFailures() error {
	names := make([]string, 0, len(h.failures))
	for name := range h.failures {
		names = append(names, name)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, h.failures[name]))
	}
	return errors.Join(errs...)
}

// ToolName generates a namespaced tool name from a server name and tool name. Both components are
// sanitized to contain only lowercase alphanumeric characters and underscores.
func ToolName(serverName, toolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(toolName))
}

// sanitize converts a name to lowercase and replaces non-alphanumeric characters (except underscore)
// with underscores. Consecutive underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")

	// Collapse consecutive underscores.
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}
