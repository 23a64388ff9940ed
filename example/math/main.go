package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/servers/calculator"
	"github.com/MegaGrindStone/go-mcp-client/toolserver"
)

func main() {
	url := flag.String("url", "", "MCP endpoint of a math server; an in-process degraded server is started when empty")
	addr := flag.String("addr", "127.0.0.1:8081", "listen address of the in-process server")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	endpoint := *url
	if endpoint == "" {
		// The in-process server only hands out its session id through a response header.
		srv := calculator.New(toolserver.WithMode(toolserver.ModeHeaderOnly))
		go func() {
			if err := srv.ListenAndServe(ctx, *addr, "/mcp"); err != nil {
				log.Fatalf("Server error: %v", err)
			}
		}()
		endpoint = fmt.Sprintf("http://%s/mcp", *addr)
		time.Sleep(200 * time.Millisecond)
	}

	expressions := flag.Args()
	if len(expressions) == 0 {
		expressions = []string{"2+3*4", "(1+2)^3", "10/0"}
	}

	sess, err := mcp.Connect(ctx, mcp.NewStreamableHTTPClient(endpoint, nil),
		mcp.WithRequestTimeout(5*time.Second))
	if err != nil {
		fmt.Printf("Cannot connect to MCP server (%v), computing locally\n", err)
	} else {
		defer sess.Close()
		fmt.Printf("Connected with %s addressing, session %s\n", sess.Addressing(), sess.SessionID())
	}

	for _, expr := range expressions {
		fmt.Println(solve(ctx, sess, expr))
	}
}

// solve asks the server first and falls back to evaluating locally whenever the server cannot answer.
func solve(ctx context.Context, sess *mcp.Session, expr string) string {
	if sess != nil {
		res, err := sess.CallTool(ctx, "evaluate_expression", map[string]any{"expression": expr})
		switch {
		case err == nil && !res.IsError && res.Text() != "":
			return res.Text()
		case errors.Is(err, mcp.ErrTimeout):
			return "MCP server timeout. Local calculation: " + local(expr)
		case err != nil:
			return fmt.Sprintf("MCP error: %v. Local calculation: %s", err, local(expr))
		default:
			return fmt.Sprintf("MCP tool failed (%s). Local calculation: %s", res.Text(), local(expr))
		}
	}
	return "Local calculation: " + local(expr)
}

func local(expr string) string {
	v, err := calculator.Evaluate(expr)
	if err != nil {
		return fmt.Sprintf("cannot calculate %s: %v", expr, err)
	}
	return fmt.Sprintf("%s = %s", expr, calculator.FormatNumber(v))
}
