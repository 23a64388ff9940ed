package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/servers/weather"
)

func main() {
	url := flag.String("url", "", "MCP endpoint of a weather server; an in-process server is started when empty")
	addr := flag.String("addr", "127.0.0.1:8080", "listen address of the in-process server")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	endpoint := *url
	if endpoint == "" {
		srv := weather.New()
		go func() {
			if err := srv.ListenAndServe(ctx, *addr, "/mcp"); err != nil {
				log.Fatalf("Server error: %v", err)
			}
		}()
		endpoint = fmt.Sprintf("http://%s/mcp", *addr)
		// Wait for the server to start
		time.Sleep(200 * time.Millisecond)
	}

	transport := mcp.NewStreamableHTTPClient(endpoint, nil)
	sess, err := mcp.Connect(ctx, transport,
		mcp.WithSessionInfo(mcp.Info{Name: "weather-example", Version: "1.0.0"}),
		mcp.WithSessionLogger(slog.Default()),
	)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer sess.Close()

	fmt.Printf("Connected to %s (session %q, %s addressing)\n",
		sess.ServerInfo().Name, sess.SessionID(), sess.Addressing())

	tools, err := sess.ListTools(ctx)
	if err != nil {
		log.Fatalf("Failed to list tools: %v", err)
	}
	for _, t := range tools {
		fmt.Printf("- %s: %s\n", t.Name, t.Description)
	}

	for _, city := range []string{"Chicago", "Seattle", "Reykjavik"} {
		res, err := sess.CallTool(ctx, "get_weather", map[string]any{"location": city})
		var srvErr *mcp.ServerError
		switch {
		case errors.As(err, &srvErr):
			fmt.Printf("%s: server rejected the call: %s\n", city, srvErr.Message)
		case err != nil:
			fmt.Printf("%s: %v\n", city, err)
		default:
			fmt.Printf("%s: %s\n", city, res.Text())
		}
	}
}
