package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/MegaGrindStone/go-mcp-client/internal/config"
	"github.com/MegaGrindStone/go-mcp-client/multiserver"
)

func main() {
	path := flag.String("config", "", "server catalog (default $MCP_CONFIG or mcp.yaml)")
	tool := flag.String("tool", "", "namespaced tool to call, e.g. mcp_weather_get_weather")
	args := flag.String("args", "{}", "tool arguments as a JSON object")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	env, err := config.ReadEnv()
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := config.Load(config.Find(*path, env))
	if err != nil {
		log.Fatal(err)
	}

	hub, err := multiserver.FromConfig(ctx, cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer hub.Close()

	for name, err := range hub.Failures() {
		fmt.Printf("server %s unavailable: %v\n", name, err)
	}

	for _, t := range hub.Tools(ctx) {
		fmt.Printf("%s -> %s/%s: %s\n", t.Namespaced, t.Server, t.Name, t.Description)
	}

	if *tool == "" {
		return
	}
	var arguments map[string]any
	if err := json.Unmarshal([]byte(*args), &arguments); err != nil {
		log.Fatalf("Invalid -args: %v", err)
	}
	res, err := hub.CallTool(ctx, *tool, arguments)
	if err != nil {
		log.Fatalf("Call failed: %v", err)
	}
	fmt.Println(res.Text())
}
