package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/thane-mcp/internal/buildinfo"
	"github.com/nugget/thane-mcp/internal/config"
	"github.com/nugget/thane-mcp/internal/retry"
)

// TransportFactory builds an unstarted transport for a server.
type TransportFactory func(cfg config.ServerConfig, logger *slog.Logger) (Transport, error)

// NewTransport is the default TransportFactory.
func NewTransport(cfg config.ServerConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport() {
	case "stdio":
		return NewStdioTransport(StdioConfig{
			Command: cfg.Stdio.Command,
			Args:    cfg.Stdio.Args,
			Env:     cfg.Stdio.EnvList(),
			Framing: cfg.Stdio.Framing,
			Logger:  logger,
		}), nil
	case "http":
		return NewHTTPTransport(HTTPConfig{
			URL:                cfg.HTTP.URL,
			Headers:            cfg.HTTP.Headers,
			Timeout:            cfg.HTTP.Timeout(),
			InsecureSkipVerify: cfg.HTTP.InsecureSkipVerify,
			Logger:             logger,
		}), nil
	default:
		return nil, newError(ErrInternal, cfg.Name, "transport", errors.New("server must set exactly one of stdio or http"))
	}
}

// NotificationHandler receives server notifications.
type NotificationHandler func(server string, n *Notification)

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithConnLogger sets the logger. The connection adds its own fields.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) { c.logger = l }
}

// WithTransportFactory replaces [NewTransport].
func WithTransportFactory(f TransportFactory) ConnOption {
	return func(c *Conn) { c.newTransport = f }
}

// WithNotificationHandler registers a handler for server notifications.
func WithNotificationHandler(h NotificationHandler) ConnOption {
	return func(c *Conn) { c.onNotify = h }
}

// Conn is one protocol session with one MCP server. It owns the
// transport, the lifecycle state machine, and the catalog snapshot
// from the last discovery. A Closed Conn is finished; build a new one
// to reconnect.
type Conn struct {
	name         string
	cfg          config.ServerConfig
	policy       retry.Policy
	session      string
	logger       *slog.Logger
	newTransport TransportFactory
	onNotify     NotificationHandler
	nextID       atomic.Int64

	// life ends when the Conn closes, cancelling any retry loop.
	life   context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	state     State
	transport Transport
	lastErr   error
	attempts  int
	failures  int
	info      ServerInfo
	since     time.Time
	tools     []ToolDefinition
	resources []ResourceDefinition
}

// NewConn creates an Uninitialized connection. No I/O happens until
// Connect.
func NewConn(cfg config.ServerConfig, policy retry.Policy, opts ...ConnOption) *Conn {
	c := &Conn{
		name:         cfg.Name,
		cfg:          cfg,
		policy:       policy.WithDefaults(),
		session:      uuid.NewString(),
		logger:       slog.Default(),
		newTransport: NewTransport,
		since:        time.Now(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("mcp_server", c.name, "session", c.session)
	c.life, c.cancel = context.WithCancel(context.Background())
	return c
}

// Name returns the server name.
func (c *Conn) Name() string { return c.name }

// Session returns the per-connection correlation id used in logs.
func (c *Conn) Session() string { return c.session }

// Config returns the server config this connection was built from.
func (c *Conn) Config() config.ServerConfig { return c.cfg }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the most recent connection-level error, or nil.
func (c *Conn) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Attempts returns the number of connect and handshake attempts made by
// the last Connect.
func (c *Conn) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// Info returns the server identity reported during initialization.
func (c *Conn) Info() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Since returns when the connection entered its current state.
func (c *Conn) Since() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.since
}

// Tools returns the catalog from the last successful ListTools.
func (c *Conn) Tools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ToolDefinition(nil), c.tools...)
}

// Resources returns the catalog from the last successful ListResources.
func (c *Conn) Resources() []ResourceDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ResourceDefinition(nil), c.resources...)
}

// transition moves to a non-Closed state. Illegal moves are ErrInternal.
func (c *Conn) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to)
}

func (c *Conn) transitionLocked(to State) error {
	from := c.state
	if !canTransition(from, to) {
		return newError(ErrInternal, c.name, "transition", fmt.Errorf("illegal transition %s -> %s", from, to))
	}
	c.state = to
	c.since = time.Now()
	c.logger.Debug("MCP connection state changed", "from", from, "to", to)
	return nil
}

// bind derives a context that also ends when the Conn closes.
func (c *Conn) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Conn) countAttempt() {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()
}

func (c *Conn) logRetry(stage string) retry.Option {
	return retry.WithNotify(func(attempt int, next time.Duration, err error) {
		c.logger.Warn("MCP "+stage+" failed, retrying",
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"next_delay", next.String(),
			"error", err,
		)
	})
}

// Connect runs the Connecting and Initializing stages, each under the
// retry policy. On failure the connection is Closed.
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.transition(StateConnecting); err != nil {
		return err
	}

	ctx, stop := c.bind(ctx)
	defer stop()

	tr, err := retry.Do(ctx, c.policy, func(ctx context.Context) (Transport, error) {
		c.countAttempt()
		tr, err := c.newTransport(c.cfg, c.logger)
		if err != nil {
			return nil, err
		}
		if err := tr.Start(ctx); err != nil {
			_ = tr.Close()
			return nil, err
		}
		return tr, nil
	}, c.logRetry("connect"))
	if err != nil {
		return c.fail("connect", ErrConnectionFailed, err)
	}

	c.mu.Lock()
	if err := c.transitionLocked(StateInitializing); err != nil {
		// Closed while connecting.
		c.mu.Unlock()
		_ = tr.Close()
		return newError(ErrClosed, c.name, "connect", err)
	}
	c.transport = tr
	c.mu.Unlock()

	go c.forwardNotifications(tr)

	info, err := retry.Do(ctx, c.policy, func(ctx context.Context) (ServerInfo, error) {
		c.countAttempt()
		return c.handshake(ctx, tr)
	}, c.logRetry("initialize"), retry.WithRetryIf(isConnectionError))
	if err != nil {
		// A rejected handshake is a connection failure; only an
		// unreadable initialize result is a protocol error.
		kind := ErrConnectionFailed
		if errors.Is(err, ErrProtocol) {
			kind = ErrProtocol
		}
		return c.fail("initialize", kind, err)
	}

	c.mu.Lock()
	c.info = info
	err = c.transitionLocked(StateConnected)
	c.mu.Unlock()
	if err != nil {
		return newError(ErrClosed, c.name, "initialize", err)
	}

	c.logger.Info("MCP server initialized",
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol_version", info.ProtocolVersion,
		"attempts", c.Attempts(),
	)
	return nil
}

// fail records err, closes the connection, and classifies the error.
func (c *Conn) fail(op string, kind, err error) error {
	if c.life.Err() != nil {
		return newError(ErrClosed, c.name, op, err)
	}
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Warn("MCP connection failed", "op", op, "error", err)
	_ = c.Close()
	return newError(kind, c.name, op, err)
}

// handshake sends initialize and notifications/initialized.
func (c *Conn) handshake(ctx context.Context, tr Transport) (ServerInfo, error) {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.ClientName,
			"version": buildinfo.Version,
		},
	}

	resp, err := tr.Send(ctx, NewRequest(c.nextID.Add(1), "initialize", params))
	if err != nil {
		return ServerInfo{}, err
	}
	if resp.Error != nil {
		return ServerInfo{}, resp.Error
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return ServerInfo{}, protocolErr("initialize", fmt.Errorf("unmarshal initialize result: %w", err))
	}

	if err := tr.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return ServerInfo{}, err
	}

	return ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Tools:           result.hasCapability("tools"),
		Resources:       result.hasCapability("resources"),
	}, nil
}

// forwardNotifications drains the transport's sink until it closes.
func (c *Conn) forwardNotifications(tr Transport) {
	for n := range tr.Notifications() {
		c.logger.Debug("MCP notification", "method", n.Method)
		if c.onNotify != nil {
			c.onNotify(c.name, n)
		}
	}
}

// degrade records a connection-level failure on a live connection and
// returns the number of consecutive failed attempts.
func (c *Conn) degrade(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	c.failures++
	if c.state == StateConnected {
		_ = c.transitionLocked(StateDegraded)
		c.logger.Warn("MCP connection degraded", "error", err)
	}
	return c.failures
}

// restore returns a Degraded connection to Connected.
func (c *Conn) restore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	if c.state == StateDegraded {
		_ = c.transitionLocked(StateConnected)
		c.logger.Info("MCP connection recovered")
	}
}

func (c *Conn) failureCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failures
}

// request issues method and returns the raw response, which may carry a
// JSON-RPC error. Connection-level failures, timeouts included, degrade
// the connection and are retried under the policy. The connection
// closes once consecutive failed attempts reach the policy's
// MaxAttempts, whether they came from one request or several whose
// deadlines cut the retries short.
func (c *Conn) request(ctx context.Context, method string, params any) (*Response, error) {
	c.mu.RLock()
	state, tr := c.state, c.transport
	c.mu.RUnlock()

	switch {
	case state == StateClosed:
		return nil, newError(ErrClosed, c.name, method, c.LastError())
	case !state.Usable():
		return nil, newError(ErrInternal, c.name, method, fmt.Errorf("connection is %s", state))
	}

	ctx, stop := c.bind(ctx)
	defer stop()

	// Only cancellation means the caller gave up. A deadline that fires
	// while the server is silent is a failure of the connection.
	cancelled := func() bool {
		return errors.Is(ctx.Err(), context.Canceled)
	}

	c.logger.Log(ctx, config.LevelTrace, "MCP request", "method", method, "params", params)

	resp, err := retry.Do(ctx, c.policy, func(ctx context.Context) (*Response, error) {
		resp, err := tr.Send(ctx, NewRequest(c.nextID.Add(1), method, params))
		if err != nil && isConnectionError(err) && !cancelled() {
			c.degrade(err)
		}
		return resp, err
	},
		retry.WithRetryIf(func(err error) bool {
			return ctx.Err() == nil && isConnectionError(err)
		}),
		retry.WithNotify(func(attempt int, next time.Duration, err error) {
			c.logger.Warn("MCP request failed, retrying",
				"method", method,
				"attempt", attempt,
				"next_delay", next.String(),
				"error", err,
			)
		}),
	)

	switch {
	case err == nil:
		c.restore()
		c.logger.Log(ctx, config.LevelTrace, "MCP response", "method", method, "result", string(resp.Result))
		return resp, nil
	case c.life.Err() != nil:
		return nil, newError(ErrClosed, c.name, method, err)
	case cancelled(), !isConnectionError(err):
		// The caller gave up, or the peer sent something unreadable.
		// Neither says anything about the connection.
		return nil, newError(ErrRequestFailed, c.name, method, err)
	case c.failureCount() < c.policy.MaxAttempts:
		// The deadline ran out before the retry budget did.
		return nil, newError(ErrRequestFailed, c.name, method, err)
	default:
		c.logger.Warn("MCP request retries exhausted, closing connection", "method", method, "error", err)
		_ = c.Close()
		return nil, newError(ErrRequestFailed, c.name, method, err)
	}
}

// call is request with JSON-RPC errors mapped to ErrRequestFailed.
func (c *Conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := c.request(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, newError(ErrRequestFailed, c.name, method, resp.Error)
	}
	return resp.Result, nil
}

// decode unmarshals a result, classifying failures as ErrProtocol.
func (c *Conn) decode(method string, raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return newError(ErrProtocol, c.name, method, err)
	}
	return nil
}

// cursorParams builds pagination params.
func cursorParams(cursor string) any {
	if cursor == "" {
		return nil
	}
	return map[string]any{"cursor": cursor}
}

// ListTools fetches the full tool catalog, following pagination, and
// stores it as the connection's snapshot.
func (c *Conn) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var (
		all    []ToolDefinition
		cursor string
	)
	for page := 0; page < maxPages; page++ {
		raw, err := c.call(ctx, "tools/list", cursorParams(cursor))
		if err != nil {
			return nil, err
		}
		var result toolsListResult
		if err := c.decode("tools/list", raw, &result); err != nil {
			return nil, err
		}
		all = append(all, result.Tools...)
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// ListResources fetches the full resource catalog, following
// pagination, and stores it as the connection's snapshot.
func (c *Conn) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	var (
		all    []ResourceDefinition
		cursor string
	)
	for page := 0; page < maxPages; page++ {
		raw, err := c.call(ctx, "resources/list", cursorParams(cursor))
		if err != nil {
			return nil, err
		}
		var result resourcesListResult
		if err := c.decode("resources/list", raw, &result); err != nil {
			return nil, err
		}
		all = append(all, result.Resources...)
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	c.resources = all
	c.mu.Unlock()

	c.logger.Info("discovered MCP resources", "count", len(all))
	return all, nil
}

// CallTool invokes a tool by its server-side name. A JSON-RPC error or
// an isError result is [ErrToolCallFailed]; the result text is extracted
// from the content blocks.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	op := "tools/call " + name
	resp, err := c.request(ctx, "tools/call", params)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", newError(ErrToolCallFailed, c.name, op, resp.Error)
	}

	var result callToolResult
	if err := c.decode(op, resp.Result, &result); err != nil {
		return "", err
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", newError(ErrToolCallFailed, c.name, op, errors.New(text))
	}
	return text, nil
}

// ReadResource fetches a resource's contents.
func (c *Conn) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	raw, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var result readResourceResult
	if err := c.decode("resources/read", raw, &result); err != nil {
		return nil, err
	}
	return result.Contents, nil
}

// Ping checks whether the server is responsive. A failure goes through
// the normal request path, so it can degrade or close the connection.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close cancels in-flight retry loops and closes the transport. It is
// idempotent.
func (c *Conn) Close() error {
	c.cancel()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	_ = c.transitionLocked(StateClosed)
	tr := c.transport
	c.mu.Unlock()

	if tr == nil {
		return nil
	}
	if err := tr.Close(); err != nil {
		c.logger.Debug("MCP transport close error", "error", err)
		return err
	}
	return nil
}
