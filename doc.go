// Package mcp implements the client side of the Model Context Protocol (MCP): a session that connects
// to a remote tool server, performs the handshake, lists the tools the server offers and invokes them.
// This implementation follows the official specification from https://modelcontextprotocol.io/specification/.
//
// The session is written for servers as they are deployed, not only as they are specified. Besides
// well-formed JSON-RPC results and errors, it accepts bare success bodies with no result, and plain
// text error pages, which surface as *ProtocolError. Servers that hand out their session identifier
// only through an mcp-session-id response header are supported too: the session harvests the header
// with a probe request and echoes the identifier back as a top-level "sessionId" field of every
// request body.
//
// A typical use:
//
//	transport := mcp.NewStreamableHTTPClient("https://tools.example.com/mcp", nil)
//	sess, err := mcp.Connect(ctx, transport, mcp.WithSessionInfo(mcp.Info{Name: "agent", Version: "1.0"}))
//	if err != nil {
//		return err
//	}
//	defer sess.Close()
//
//	tools, err := sess.ListTools(ctx)
//	...
//	res, err := sess.CallTool(ctx, "get_weather", map[string]any{"location": "Chicago"})
//
// Requests on one session may be issued from many goroutines at once; responses are correlated by
// request id, so a slow call never blocks a fast one.
package mcp
