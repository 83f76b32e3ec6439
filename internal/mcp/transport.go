package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Transport is the interface for MCP server communication.
// Implementations handle framing, encoding, and correlation of
// JSON-RPC messages over a specific channel (stdio or HTTP).
//
// Every failure that is not a JSON-RPC error response is reported as
// [ErrConnectionFailed]. Transports never retry; that is the job of
// [Conn].
type Transport interface {
	// Start establishes the channel. For stdio this spawns the
	// subprocess.
	Start(ctx context.Context) error

	// Send writes a request and waits for the response with the same
	// id. A per-request timeout applies on top of ctx.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Notifications delivers server notifications. The channel is
	// closed when the transport closes.
	Notifications() <-chan *Notification

	// Close shuts down the transport and releases resources. It is
	// safe to call more than once.
	Close() error
}

// notificationBuffer is the capacity of each transport's notification
// sink. Notifications arriving while it is full are dropped.
const notificationBuffer = 64

// pendingTable correlates outstanding requests with their responses.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[int64]chan *Response
	err     error // set once the channel is dead
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[int64]chan *Response)}
}

// add registers a waiter for id. It fails if the table has been shut.
func (p *pendingTable) add(id int64) (<-chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if _, dup := p.waiters[id]; dup {
		return nil, fmt.Errorf("duplicate request id %d", id)
	}
	ch := make(chan *Response, 1)
	p.waiters[id] = ch
	return ch, nil
}

// remove drops the waiter for id, if any.
func (p *pendingTable) remove(id int64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// deliver hands resp to its waiter. It reports false for responses
// nobody is waiting for (late or unknown ids).
func (p *pendingTable) deliver(resp *Response) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.ID]
	delete(p.waiters, resp.ID)
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

// shut fails every current and future waiter with err.
func (p *pendingTable) shut(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}

// failure returns the error the table was shut with.
func (p *pendingTable) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// notifySink forwards notifications without blocking the reader.
type notifySink struct {
	ch     chan *Notification
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newNotifySink(logger *slog.Logger) *notifySink {
	return &notifySink{
		ch:     make(chan *Notification, notificationBuffer),
		logger: logger,
	}
}

func (s *notifySink) push(n *Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- n:
	default:
		s.logger.Warn("dropping MCP notification, sink full", "method", n.Method)
	}
}

func (s *notifySink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// awaitResponse waits for a registered waiter. A closed channel means
// the transport died; pending.failure() holds the reason.
func awaitResponse(ctx context.Context, p *pendingTable, id int64, ch <-chan *Response) (*Response, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, p.failure()
		}
		return resp, nil
	case <-ctx.Done():
		p.remove(id)
		return nil, connFailed("await response", ctx.Err())
	}
}
