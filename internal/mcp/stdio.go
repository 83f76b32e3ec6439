package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Defaults for stdio transports.
const (
	DefaultStdioTimeout = 30 * time.Second
	defaultCloseGrace   = 5 * time.Second
	maxFrameSize        = 64 << 20
)

var errNotStarted = errors.New("transport not started")

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Framing is "newline" (default) or "length" for Content-Length
	// headers in front of each message.
	Framing string

	// Timeout bounds each request (default [DefaultStdioTimeout]).
	Timeout time.Duration

	// CloseGrace is how long Close waits for the subprocess to exit
	// after stdin is closed before killing it (default 5s).
	CloseGrace time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. A single reader goroutine demultiplexes stdout: responses
// go to their waiting Send, notifications to the sink, and server pings
// are answered in place.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	frames framing

	// sem serializes writes to stdin. A channel rather than a mutex so
	// a blocked writer can give up when its context ends.
	sem chan struct{}

	pending *pendingTable
	sink    *notifySink

	mu         sync.Mutex
	started    bool
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	readerDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not launched until Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultStdioTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		frames:  framingFor(cfg.Framing),
		sem:     make(chan struct{}, 1),
		pending: newPendingTable(),
		sink:    newNotifySink(logger),
	}
}

// Start launches the subprocess. The subprocess lifetime is independent
// of ctx; it ends only with Close or when the process exits.
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return connFailed("spawn", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return connFailed("spawn", errors.New("transport already started"))
	}
	if err := t.pending.failure(); err != nil {
		return err
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return connFailed("spawn", fmt.Errorf("create stdin pipe: %w", err))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return connFailed("spawn", fmt.Errorf("create stdout pipe: %w", err))
	}

	// stderr is diagnostics only, never protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return connFailed("spawn", fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return connFailed("spawn", fmt.Errorf("start subprocess %s: %w", t.config.Command, err))
	}

	t.started = true
	t.cmd = cmd
	t.stdin = stdin
	t.readerDone = make(chan struct{})

	go t.readLoop(stdout)
	go t.drainStderr(stderr)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop owns stdout until EOF.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer close(t.readerDone)
	defer t.sink.close()

	r := bufio.NewReaderSize(stdout, 1<<20)
	for {
		data, err := t.frames.read(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("subprocess closed stdout")
			}
			t.pending.shut(connFailed("read", err))
			return
		}

		m, err := decodeMessage(data)
		if err != nil {
			t.logger.Debug("skipping non-JSON-RPC output from MCP subprocess",
				"line", string(data),
				"error", err,
			)
			continue
		}

		switch {
		case m.isResponse():
			resp, err := m.response()
			if err != nil {
				t.logger.Debug("skipping MCP response", "error", err)
				continue
			}
			if !t.pending.deliver(resp) {
				t.logger.Debug("skipping unmatched MCP response", "id", resp.ID)
			}
		case m.isRequest():
			go t.answer(m)
		case m.isNotification():
			t.sink.push(m.notification())
		}
	}
}

// answer replies to a server-originated request.
func (t *StdioTransport) answer(m *message) {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.Timeout)
	defer cancel()

	if err := t.write(ctx, m.answer()); err != nil {
		t.logger.Debug("failed to answer MCP server request", "method", m.Method, "error", err)
	}
}

// acquire takes the write semaphore, giving up when ctx ends.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; honor cancellation.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// write frames and writes one message to stdin.
func (t *StdioTransport) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := t.pending.failure(); err != nil {
		return err
	}
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return connFailed("write", errNotStarted)
	}

	if err := t.acquire(ctx); err != nil {
		return connFailed("write", err)
	}
	defer t.release()

	if err := t.frames.write(stdin, data); err != nil {
		return connFailed("write", fmt.Errorf("subprocess stdin: %w", err))
	}
	return nil
}

// Send writes a request and waits for the matching response.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	ch, err := t.pending.add(req.ID)
	if err != nil {
		return nil, err
	}

	if err := t.write(ctx, req); err != nil {
		t.pending.remove(req.ID)
		return nil, err
	}

	return awaitResponse(ctx, t.pending, req.ID, ch)
}

// Notify sends a JSON-RPC notification over stdin.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()
	return t.write(ctx, notif)
}

// Notifications returns the server notification channel.
func (t *StdioTransport) Notifications() <-chan *Notification {
	return t.sink.ch
}

// Close closes stdin, waits up to CloseGrace for the subprocess to exit,
// then kills it. Outstanding Sends fail with [ErrConnectionFailed].
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.stop()
	})
	return t.closeErr
}

func (t *StdioTransport) stop() error {
	t.mu.Lock()
	cmd, stdin, done := t.cmd, t.stdin, t.readerDone
	t.stdin = nil
	t.mu.Unlock()

	defer t.sink.close()
	defer t.pending.shut(connFailed("close", ErrClosed))

	if cmd == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	// Closing stdin asks the subprocess to exit.
	stdin.Close()

	timer := time.NewTimer(t.config.CloseGrace)
	defer timer.Stop()

	select {
	case <-done:
		return cmd.Wait()
	case <-timer.C:
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-done
		_ = cmd.Wait()
		return nil
	}
}

// framing reads and writes whole JSON-RPC messages on a byte stream.
type framing interface {
	read(r *bufio.Reader) ([]byte, error)
	write(w io.Writer, data []byte) error
}

func framingFor(name string) framing {
	if name == "length" {
		return lengthFraming{}
	}
	return lineFraming{}
}

// lineFraming is newline-delimited JSON.
type lineFraming struct{}

func (lineFraming) read(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (lineFraming) write(w io.Writer, data []byte) error {
	_, err := w.Write(append(data, '\n'))
	return err
}

// lengthFraming prefixes each message with a Content-Length header
// block, as in LSP.
type lengthFraming struct{}

func (lengthFraming) read(r *bufio.Reader) ([]byte, error) {
	length, headers := -1, 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if headers == 0 {
				continue
			}
			if length < 0 {
				return nil, protocolErr("read", errors.New("missing Content-Length header"))
			}
			break
		}
		headers++
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, protocolErr("read", fmt.Errorf("malformed header line %q", line))
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 || n > maxFrameSize {
				return nil, protocolErr("read", fmt.Errorf("invalid Content-Length %q", value))
			}
			length = n
		}
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (lengthFraming) write(w io.Writer, data []byte) error {
	frame := make([]byte, 0, len(data)+32)
	frame = fmt.Appendf(frame, "Content-Length: %d\r\n\r\n", len(data))
	frame = append(frame, data...)
	_, err := w.Write(frame)
	return err
}
