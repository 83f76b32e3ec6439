package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nugget/thane-mcp/internal/retry"
)

// fastPolicy keeps retry tests in the millisecond range.
func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

type handlerFunc func(req *Request) (*Response, error)

// mockTransport is an in-memory Transport driven by per-method handlers.
type mockTransport struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	sent     []*Request
	notified []*Notification
	startErr error
	closed   bool

	notes     chan *Notification
	closeOnce sync.Once
}

func newMockTransport() *mockTransport {
	mt := &mockTransport{
		handlers: make(map[string]handlerFunc),
		notes:    make(chan *Notification, notificationBuffer),
	}
	mt.addResponse("initialize", initResult("mock", "tools", "resources"))
	mt.addResponse("ping", struct{}{})
	return mt
}

// initResult builds an initialize result advertising caps.
func initResult(name string, caps ...string) map[string]any {
	c := map[string]any{}
	for _, k := range caps {
		c[k] = map[string]any{}
	}
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    c,
		"serverInfo":      map[string]any{"name": name, "version": "1.0.0"},
	}
}

func (m *mockTransport) handle(method string, h handlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// addResponse answers method with result.
func (m *mockTransport) addResponse(method string, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	m.handle(method, func(*Request) (*Response, error) {
		return &Response{JSONRPC: jsonrpcVersion, Result: data}, nil
	})
}

// addError answers method with a JSON-RPC error.
func (m *mockTransport) addError(method string, code int, msg string) {
	m.handle(method, func(*Request) (*Response, error) {
		return &Response{JSONRPC: jsonrpcVersion, Error: &RPCError{Code: code, Message: msg}}, nil
	})
}

// failWith makes method fail at the connection level.
func (m *mockTransport) failWith(method string, err error) {
	m.handle(method, func(*Request) (*Response, error) {
		return nil, connFailed("send", err)
	})
}

func (m *mockTransport) Start(ctx context.Context) error {
	return m.startErr
}

func (m *mockTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.sent = append(m.sent, req)
	closed := m.closed
	h := m.handlers[req.Method]
	m.mu.Unlock()

	if closed {
		return nil, connFailed("send", ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, connFailed("send", err)
	}
	if h == nil {
		return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: &RPCError{Code: codeMethodNotFound, Message: "method not found"}}, nil
	}
	resp, err := h(req)
	if resp != nil {
		resp.ID = req.ID
	}
	return resp, err
}

func (m *mockTransport) Notify(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, n)
	return nil
}

func (m *mockTransport) Notifications() <-chan *Notification {
	return m.notes
}

func (m *mockTransport) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.notes)
	})
	return nil
}

// count returns how many requests for method were sent.
func (m *mockTransport) count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.sent {
		if r.Method == method {
			n++
		}
	}
	return n
}

// lastParams returns the params of the last request for method.
func (m *mockTransport) lastParams(method string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Method == method {
			p, _ := m.sent[i].Params.(map[string]any)
			return p
		}
	}
	return nil
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
