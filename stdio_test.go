package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/servers/calculator"
	"github.com/MegaGrindStone/go-mcp-client/servers/weather"
	"github.com/MegaGrindStone/go-mcp-client/toolserver"
)

type pipeCloser struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func (p pipeCloser) Close() error {
	return errors.Join(p.writer.Close(), p.reader.Close())
}

// stdIOPair wires a client transport to fn, which plays the server on the other ends of the pipes.
func stdIOPair(t *testing.T, fn func(r io.Reader, w io.Writer)) *mcp.StdIO {
	t.Helper()
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer serverWriter.Close()
		fn(serverReader, serverWriter)
	}()
	t.Cleanup(func() {
		_ = clientWriter.Close()
		_ = serverReader.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server side did not stop")
		}
	})

	return mcp.NewStdIO(clientReader, clientWriter, mcp.WithStdIOCloser(pipeCloser{reader: clientReader, writer: clientWriter}))
}

func TestStdIOWithToolServer(t *testing.T) {
	srv := toolserver.New(mcp.Info{Name: "stdio-tools", Version: "1.0.0"})
	calculator.Register(srv)
	weather.Register(srv, weather.NewForecaster())

	transport := stdIOPair(t, func(r io.Reader, w io.Writer) {
		if err := srv.ServeStdIO(context.Background(), r, w); err != nil {
			t.Errorf("ServeStdIO() error = %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mcp.Connect(ctx, transport)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer sess.Close()

	if sess.Addressing() != mcp.AddressingStandard || sess.SessionID() != "" {
		t.Errorf("stdio session = %s/%q, want standard addressing without id", sess.Addressing(), sess.SessionID())
	}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 5 {
		t.Errorf("ListTools() returned %d tools, want 5", len(tools))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sess.CallTool(ctx, "multiply", map[string]any{"a": i, "b": 3})
			if err != nil {
				t.Errorf("CallTool(multiply %d) error = %v", i, err)
				return
			}
			if want := fmt.Sprint(i * 3); res.Text() != want {
				t.Errorf("CallTool(multiply %d) = %q, want %q", i, res.Text(), want)
			}
		}()
	}
	wg.Wait()

	res, err := sess.CallTool(ctx, "get_weather", map[string]any{"location": "Chicago"})
	if err != nil {
		t.Fatalf("CallTool(get_weather) error = %v", err)
	}
	if res.Text() != "Sunny, 75°F" {
		t.Errorf("CallTool(get_weather) = %q, want %q", res.Text(), "Sunny, 75°F")
	}
}

func TestStdIOSkipsNonProtocolLines(t *testing.T) {
	transport := stdIOPair(t, func(r io.Reader, w io.Writer) {
		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var req struct {
				ID     json.RawMessage `json:"id"`
				Method string          `json:"method"`
			}
			if err := json.Unmarshal(line, &req); err != nil || len(req.ID) == 0 {
				continue
			}
			var result string
			switch req.Method {
			case mcp.MethodInitialize:
				result = fmt.Sprintf(`{"protocolVersion":%q,"serverInfo":{"name":"noisy"}}`, mcp.ProtocolVersion)
			case mcp.MethodPing:
				result = `{}`
			default:
				continue
			}
			// Diagnostics and id-less results around the real answer.
			fmt.Fprintln(w, "server starting up...")
			fmt.Fprintln(w, `{"jsonrpc":"2.0","result":{}}`)
			fmt.Fprintf(w, "{\"jsonrpc\":\"2.0\",\"id\":%s,\"result\":%s}\n", req.ID, result)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mcp.Connect(ctx, transport)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer sess.Close()

	if sess.ServerInfo().Name != "noisy" {
		t.Errorf("ServerInfo().Name = %q, want noisy", sess.ServerInfo().Name)
	}
	if err := sess.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestStdIOServerExitClosesSession(t *testing.T) {
	stop := make(chan struct{})
	transport := stdIOPair(t, func(r io.Reader, w io.Writer) {
		reader := bufio.NewReader(r)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(line, &req)
		fmt.Fprintf(w, "{\"jsonrpc\":\"2.0\",\"id\":%s,\"result\":{\"protocolVersion\":%q}}\n", req.ID, mcp.ProtocolVersion)
		go func() { _, _ = io.Copy(io.Discard, reader) }()
		<-stop
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mcp.Connect(ctx, transport)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer sess.Close()

	// Returning from the server function closes its stdout.
	close(stop)

	deadline := time.Now().Add(2 * time.Second)
	for sess.State() != mcp.StateClosed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sess.State() != mcp.StateClosed {
		t.Fatalf("State() = %s, want closed after the server exited", sess.State())
	}
}

func TestCommandTransportMissingCommand(t *testing.T) {
	transport := mcp.NewCommandTransport("/nonexistent/mcp-server", nil)
	_, err := transport.Open(context.Background())
	var ce *mcp.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("Open() error = %v, want *ConnectionError", err)
	}
}
