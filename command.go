package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// CommandTransport implements ClientTransport by starting a server subprocess and speaking
// newline-delimited JSON-RPC over its stdin and stdout. Stderr is logged at debug level.
//
// Each Open starts a new process; closing the stream closes stdin and, if the process does not exit
// promptly, kills it.
type CommandTransport struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger

	stopTimeout time.Duration
}

// CommandTransportOption represents the options for the CommandTransport.
type CommandTransportOption func(*CommandTransport)

type commandCloser struct {
	cmd    *exec.Cmd
	stdin  io.Closer
	logger *slog.Logger

	stopTimeout time.Duration
	once        sync.Once
	err         error
}

// NewCommandTransport creates a transport that runs command with args.
func NewCommandTransport(command string, args []string, options ...CommandTransportOption) *CommandTransport {
	t := &CommandTransport{
		command:     command,
		args:        args,
		logger:      slog.Default(),
		stopTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithCommandTransportEnv appends KEY=VALUE entries to the subprocess environment.
func WithCommandTransportEnv(env ...string) CommandTransportOption {
	return func(t *CommandTransport) {
		t.env = append(t.env, env...)
	}
}

// WithCommandTransportLogger sets the logger for the transport.
func WithCommandTransportLogger(logger *slog.Logger) CommandTransportOption {
	return func(t *CommandTransport) {
		t.logger = logger
	}
}

// Open implements ClientTransport. The subprocess lifetime is tied to the returned stream, not to ctx.
func (t *CommandTransport) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = append(os.Environ(), t.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ConnectionError{Endpoint: t.command, Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &ConnectionError{Endpoint: t.command, Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	// Capture stderr for logging, it is not part of the protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &ConnectionError{Endpoint: t.command, Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &ConnectionError{Endpoint: t.command, Err: fmt.Errorf("failed to start subprocess: %w", err)}
	}
	t.logger.Info("started server subprocess", "command", t.command, "pid", cmd.Process.Pid)

	go t.drainStderr(stderr)

	closer := &commandCloser{cmd: cmd, stdin: stdin, logger: t.logger, stopTimeout: t.stopTimeout}
	return NewStdIO(stdout, stdin, WithStdIOCloser(closer), WithStdIOLogger(t.logger)).Open(ctx)
}

func (t *CommandTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("server subprocess stderr", "command", t.command, "line", scanner.Text())
	}
}

// Close closes stdin, which well-behaved servers take as the signal to exit, then waits for the
// process, killing it after the stop timeout.
func (c *commandCloser) Close() error {
	c.once.Do(func() {
		_ = c.stdin.Close()

		exited := make(chan error, 1)
		go func() { exited <- c.cmd.Wait() }()

		select {
		case err := <-exited:
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				c.err = fmt.Errorf("failed to wait for subprocess: %w", err)
			}
		case <-time.After(c.stopTimeout):
			c.logger.Warn("server subprocess did not exit, killing it", "pid", c.cmd.Process.Pid)
			_ = c.cmd.Process.Kill()
			<-exited
		}
	})
	return c.err
}
