package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MegaGrindStone/go-mcp-client"
)

// ServeStdIO reads newline-delimited JSON-RPC messages from r and writes responses to w until r is
// exhausted or ctx is canceled. Requests are handled concurrently, so responses may be written in a
// different order than the requests arrived. Sessions and Mode do not apply to stdio.
func (s *Server) ServeStdIO(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
	)
	defer wg.Wait()

	write := func(msg *mcp.JSONRPCMessage) {
		bs, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("failed to marshal message", "err", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := w.Write(append(bs, '\n')); err != nil {
			s.logger.Error("failed to write message", "err", err)
		}
	}

	lines := make(chan string)
	readErrs := make(chan error, 1)
	go func() {
		defer close(lines)
		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadString('\n')
			if line = strings.TrimSpace(line); line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErrs <- err
				}
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-readErrs:
					return fmt.Errorf("failed to read message: %w", err)
				default:
					return nil
				}
			}
			line = l
		}

		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Warn("failed to unmarshal message", "err", err)
			write(&mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				Error:   &mcp.JSONRPCError{Code: mcp.CodeParseError, Message: "Parse error"},
			})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := s.Handle(ctx, msg); res != nil {
				write(res)
			}
		}()
	}
}
