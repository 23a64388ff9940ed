package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/servers/calculator"
	"github.com/MegaGrindStone/go-mcp-client/servers/weather"
	"github.com/MegaGrindStone/go-mcp-client/toolserver"
)

func main() {
	serve := flag.Bool("server", false, "run as the stdio tool server")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *serve {
		if err := runServer(ctx); err != nil {
			log.Fatal(err)
		}
		return
	}

	self, err := os.Executable()
	if err != nil {
		log.Fatalf("Failed to locate executable: %v", err)
	}

	sess, err := mcp.Connect(ctx, mcp.NewCommandTransport(self, []string{"-server"}))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer sess.Close()

	tools, err := sess.ListTools(ctx)
	if err != nil {
		log.Fatalf("Failed to list tools: %v", err)
	}
	for _, t := range tools {
		fmt.Printf("- %s (%v)\n", t.Name, t.ParameterNames())
	}

	calls := []struct {
		tool string
		args map[string]any
	}{
		{"get_weather", map[string]any{"location": "Chicago"}},
		{"add", map[string]any{"a": 2, "b": 40}},
		{"calculate_mortgage", map[string]any{"principal": 300000, "interest_rate": 6.5, "years": 30}},
	}
	for _, c := range calls {
		res, err := sess.CallTool(ctx, c.tool, c.args)
		if err != nil {
			fmt.Printf("%s: %v\n", c.tool, err)
			continue
		}
		fmt.Printf("%s: %s\n", c.tool, res.Text())
	}
}

func runServer(ctx context.Context) error {
	srv := toolserver.New(mcp.Info{Name: "stdio-tools", Version: "1.0.0"})
	calculator.Register(srv)
	weather.Register(srv, weather.NewForecaster())
	return srv.ServeStdIO(ctx, os.Stdin, os.Stdout)
}
