package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/thane-mcp/internal/httpkit"
)

// Limits on response bodies read from HTTP servers.
const (
	maxJSONBody  = 10 << 20
	maxErrorBody = 1 << 20
)

// sessionHeader carries the server-assigned session id.
const sessionHeader = "Mcp-Session-Id"

// DefaultHTTPTimeout bounds each HTTP request unless configured.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Timeout bounds each request, including reading an event stream
	// to the matching response (default [DefaultHTTPTimeout]).
	Timeout time.Duration

	// InsecureSkipVerify disables TLS certificate checks.
	InsecureSkipVerify bool

	// Client overrides the HTTP client. Tests use it; production code
	// lets the transport build one via httpkit.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC message is an HTTP POST. The server answers a request
// either with a JSON body or with an event stream that may carry
// notifications before the response.
type HTTPTransport struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	sink       *notifySink

	mu        sync.RWMutex
	sessionID string
	closed    bool

	closeOnce sync.Once
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}

	client := cfg.Client
	if client == nil {
		opts := []httpkit.ClientOption{
			// Streams are bounded per request by context instead.
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
		}
		if cfg.InsecureSkipVerify {
			opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
		}
		client = httpkit.NewClient(opts...)
	} else if len(cfg.Headers) > 0 {
		client = withHeaders(client, cfg.Headers)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		timeout:    timeout,
		httpClient: client,
		logger:     logger,
		sink:       newNotifySink(logger),
	}
}

// withHeaders wraps a caller-supplied client so configured headers are
// still applied.
func withHeaders(c *http.Client, headers map[string]string) *http.Client {
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *c
	wrapped.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		req = req.Clone(req.Context())
		for k, v := range headers {
			if req.Header.Get(k) == "" {
				req.Header.Set(k, v)
			}
		}
		return base.RoundTrip(req)
	})
	return &wrapped
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Start has nothing to establish for streamable HTTP; the session
// begins with the initialize request.
func (t *HTTPTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return connFailed("start", err)
	}
	if t.isClosed() {
		return connFailed("start", ErrClosed)
	}
	return nil
}

// SessionID returns the server-assigned session id, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *HTTPTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// post sends one JSON-RPC message and returns the raw HTTP response.
// The caller owns the body.
func (t *HTTPTransport) post(ctx context.Context, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, connFailed("POST", fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	if sid := t.SessionID(); sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, connFailed("POST", fmt.Errorf("HTTP request to %s: %w", t.url, err))
	}

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	switch {
	case httpResp.StatusCode == http.StatusOK, httpResp.StatusCode == http.StatusAccepted:
		return httpResp, nil
	case httpResp.StatusCode == http.StatusNotFound && httpReq.Header.Get(sessionHeader) != "":
		// The server forgot our session. A fresh initialize starts a
		// new one.
		httpkit.DrainAndClose(httpResp.Body, maxErrorBody)
		t.mu.Lock()
		t.sessionID = ""
		t.mu.Unlock()
		return nil, connFailed("POST", errors.New("session expired (404)"))
	default:
		errBody := httpkit.ReadErrorBody(httpResp.Body, maxErrorBody)
		return nil, connFailed("POST", fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody))
	}
}

// Send posts a request and reads the response from a JSON body or an
// event stream.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if t.isClosed() {
		return nil, connFailed("send", ErrClosed)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	switch {
	case httpResp.StatusCode == http.StatusAccepted:
		httpkit.DrainAndClose(httpResp.Body, maxErrorBody)
		return nil, protocolErr(req.Method, errors.New("server accepted a request without responding"))
	case mediaType == "text/event-stream":
		defer httpResp.Body.Close()
		return t.readStream(ctx, req.ID, httpResp.Body)
	default:
		defer httpkit.DrainAndClose(httpResp.Body, maxErrorBody)
		return t.readJSON(req.ID, httpResp.Body)
	}
}

// readJSON decodes a single JSON-RPC response body.
func (t *HTTPTransport) readJSON(id int64, body io.Reader) (*Response, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxJSONBody))
	if err != nil {
		return nil, connFailed("read", fmt.Errorf("read response body: %w", err))
	}

	m, err := decodeMessage(data)
	if err != nil {
		return nil, protocolErr("read", fmt.Errorf("unmarshal response: %w", err))
	}
	if !m.isResponse() {
		return nil, protocolErr("read", fmt.Errorf("expected a response, got %q", m.Method))
	}
	resp, err := m.response()
	if err != nil {
		return nil, protocolErr("read", err)
	}
	if resp.ID != id {
		return nil, protocolErr("read", fmt.Errorf("response id %d does not match request id %d", resp.ID, id))
	}
	return resp, nil
}

// readStream consumes events until the response for id arrives.
// Notifications seen on the way go to the sink and server requests are
// answered.
func (t *HTTPTransport) readStream(ctx context.Context, id int64, body io.Reader) (*Response, error) {
	events := newSSEReader(body)
	for {
		ev, err := events.next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, connFailed("read", ctxErr)
			}
			if errors.Is(err, io.EOF) {
				return nil, connFailed("read", errors.New("event stream ended before response"))
			}
			return nil, connFailed("read", err)
		}
		if ev.Event != "" && ev.Event != "message" {
			continue
		}

		m, err := decodeMessage([]byte(ev.Data))
		if err != nil {
			t.logger.Debug("skipping malformed MCP event", "data", ev.Data, "error", err)
			continue
		}

		switch {
		case m.isResponse():
			resp, err := m.response()
			if err == nil && resp.ID == id {
				return resp, nil
			}
			t.logger.Debug("skipping unmatched MCP response", "id", string(m.ID))
		case m.isRequest():
			go t.answer(m)
		case m.isNotification():
			t.sink.push(m.notification())
		}
	}
}

// answer replies to a server request received on an event stream.
func (t *HTTPTransport) answer(m *message) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	resp, err := t.post(ctx, m.answer())
	if err != nil {
		t.logger.Debug("failed to answer MCP server request", "method", m.Method, "error", err)
		return
	}
	httpkit.DrainAndClose(resp.Body, maxErrorBody)
}

// Notify posts a notification. The server answers 202 Accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	if t.isClosed() {
		return connFailed("notify", ErrClosed)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(httpResp.Body, maxErrorBody)
	return nil
}

// Notifications returns the server notification channel.
func (t *HTTPTransport) Notifications() <-chan *Notification {
	return t.sink.ch
}

// Close ends the server session with a DELETE, once. A server that does
// not support explicit termination answers 405, which is fine.
func (t *HTTPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		sid := t.sessionID
		t.mu.Unlock()

		defer t.sink.close()

		if sid == "" {
			return
		}
		err = t.deleteSession(sid)
	})
	return err
}

func (t *HTTPTransport) deleteSession(sid string) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, sid)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return connFailed("DELETE", err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxErrorBody)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusMethodNotAllowed, http.StatusNotFound:
		t.logger.Debug("MCP session terminated", "session_id", sid, "status", resp.StatusCode)
		return nil
	default:
		return connFailed("DELETE", fmt.Errorf("MCP server returned %d", resp.StatusCode))
	}
}
