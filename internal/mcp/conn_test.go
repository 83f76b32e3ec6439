package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/thane-mcp/internal/config"
	"github.com/nugget/thane-mcp/internal/retry"
)

func stdioServer(name string) config.ServerConfig {
	return config.ServerConfig{Name: name, Stdio: &config.StdioConfig{Command: "mcp-" + name}}
}

// newMockConn returns a Conn whose every transport is mt.
func newMockConn(t *testing.T, mt *mockTransport, opts ...ConnOption) *Conn {
	t.Helper()
	opts = append([]ConnOption{
		WithTransportFactory(func(config.ServerConfig, *slog.Logger) (Transport, error) { return mt, nil }),
	}, opts...)
	c := NewConn(stdioServer("files"), fastPolicy(), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connected(t *testing.T, mt *mockTransport, opts ...ConnOption) *Conn {
	t.Helper()
	c := newMockConn(t, mt, opts...)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestConn_Connect(t *testing.T) {
	mt := newMockTransport()
	c := newMockConn(t, mt)

	assert.Equal(t, StateUninitialized, c.State())
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, ServerInfo{Name: "mock", Version: "1.0.0", ProtocolVersion: protocolVersion, Tools: true, Resources: true}, c.Info())
	assert.Equal(t, 2, c.Attempts(), "one connect plus one handshake")
	assert.NotEmpty(t, c.Session())

	params := mt.lastParams("initialize")
	require.NotNil(t, params)
	assert.Equal(t, protocolVersion, params["protocolVersion"])

	mt.mu.Lock()
	require.Len(t, mt.notified, 1)
	assert.Equal(t, "notifications/initialized", mt.notified[0].Method)
	mt.mu.Unlock()
}

func TestConn_ConnectTwiceIsInternalError(t *testing.T) {
	c := connected(t, newMockTransport())

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, StateConnected, c.State())
}

func TestConn_ConnectRetriesTransportStart(t *testing.T) {
	var calls atomic.Int32
	factory := func(config.ServerConfig, *slog.Logger) (Transport, error) {
		mt := newMockTransport()
		if calls.Add(1) < 3 {
			mt.startErr = connFailed("spawn", errors.New("not yet"))
		}
		return mt, nil
	}

	c := NewConn(stdioServer("files"), fastPolicy(), WithTransportFactory(factory))
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(3), calls.Load(), "a fresh transport per attempt")
	assert.Equal(t, 4, c.Attempts())
}

func TestConn_ConnectExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	spawnErr := errors.New("executable not found")
	factory := func(config.ServerConfig, *slog.Logger) (Transport, error) {
		calls.Add(1)
		mt := newMockTransport()
		mt.startErr = connFailed("spawn", spawnErr)
		return mt, nil
	}

	c := NewConn(stdioServer("files"), fastPolicy(), WithTransportFactory(factory))

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, spawnErr)
	assert.Equal(t, int32(fastPolicy().MaxAttempts), calls.Load())
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.LastError(), spawnErr)
}

func TestConn_HandshakeRejectedIsConnectionFailure(t *testing.T) {
	mt := newMockTransport()
	mt.addError("initialize", -32602, "unsupported protocol version")
	c := newMockConn(t, mt)

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.NotErrorIs(t, err, ErrProtocol)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Equal(t, 1, mt.count("initialize"), "RPC errors are not retried")
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, mt.isClosed())
}

func TestConn_HandshakeMalformedResultIsProtocolError(t *testing.T) {
	mt := newMockTransport()
	mt.handle("initialize", func(*Request) (*Response, error) {
		return &Response{JSONRPC: jsonrpcVersion, Result: json.RawMessage(`"not an object"`)}, nil
	})
	c := newMockConn(t, mt)

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrProtocol)
	assert.NotErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, 1, mt.count("initialize"))
	assert.Equal(t, StateClosed, c.State())
}

func TestConn_HandshakeRetriesConnectionErrors(t *testing.T) {
	mt := newMockTransport()
	var n atomic.Int32
	good := mt.handlers["initialize"]
	mt.handle("initialize", func(req *Request) (*Response, error) {
		if n.Add(1) == 1 {
			return nil, connFailed("send", errors.New("reset"))
		}
		return good(req)
	})
	c := newMockConn(t, mt)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 2, mt.count("initialize"))
}

func TestConn_MissingCapabilitiesAssumeBoth(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo":      map[string]any{"name": "old", "version": "0.1"},
	})
	c := connected(t, mt)

	assert.True(t, c.Info().Tools)
	assert.True(t, c.Info().Resources)
}

func TestConn_RequestDegradesAndRecovers(t *testing.T) {
	mt := newMockTransport()
	var (
		n           atomic.Int32
		seenDegrade atomic.Bool
	)
	c := connected(t, mt)

	mt.handle("ping", func(*Request) (*Response, error) {
		if n.Add(1) == 1 {
			return nil, connFailed("send", errors.New("broken pipe"))
		}
		seenDegrade.Store(c.State() == StateDegraded)
		return &Response{JSONRPC: jsonrpcVersion, Result: json.RawMessage(`{}`)}, nil
	})

	require.NoError(t, c.Ping(context.Background()))
	assert.True(t, seenDegrade.Load(), "state during retry should be degraded")
	assert.Equal(t, StateConnected, c.State())
	assert.Error(t, c.LastError())
}

func TestConn_RequestExhaustionCloses(t *testing.T) {
	mt := newMockTransport()
	c := connected(t, mt)
	cause := errors.New("subprocess closed stdout")
	mt.failWith("tools/list", cause)

	_, err := c.ListTools(context.Background())
	require.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, cause, "last error is preserved")
	assert.Equal(t, fastPolicy().MaxAttempts, mt.count("tools/list"))
	assert.Equal(t, StateClosed, c.State())

	_, err = c.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConn_RPCErrorDoesNotDegrade(t *testing.T) {
	mt := newMockTransport()
	c := connected(t, mt)
	mt.addError("resources/list", -32601, "method not found")

	_, err := c.ListResources(context.Background())
	require.ErrorIs(t, err, ErrRequestFailed)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Equal(t, 1, mt.count("resources/list"))
	assert.Equal(t, StateConnected, c.State())
}

func TestConn_CallerCancellationDoesNotClose(t *testing.T) {
	mt := newMockTransport()
	c := connected(t, mt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Ping(ctx)
	require.ErrorIs(t, err, ErrRequestFailed)
	assert.True(t, c.State().Usable())
}

func TestConn_DeadlineFailuresDegradeThenClose(t *testing.T) {
	mt := newMockTransport()
	c := connected(t, mt)
	mt.handle("ping", func(*Request) (*Response, error) {
		time.Sleep(40 * time.Millisecond)
		return nil, connFailed("await response", context.DeadlineExceeded)
	})

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		return c.Ping(ctx)
	}

	require.ErrorIs(t, ping(), ErrRequestFailed)
	assert.Equal(t, StateDegraded, c.State())
	assert.Equal(t, 1, mt.count("ping"), "the deadline leaves no room for a retry")

	for i := 1; i < fastPolicy().MaxAttempts; i++ {
		require.ErrorIs(t, ping(), ErrRequestFailed)
	}
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.LastError(), context.DeadlineExceeded)
	assert.ErrorIs(t, ping(), ErrClosed)
}

func TestConn_SuccessResetsFailureCount(t *testing.T) {
	mt := newMockTransport()
	c := connected(t, mt)

	var fail atomic.Bool
	mt.handle("ping", func(*Request) (*Response, error) {
		if fail.Load() {
			time.Sleep(30 * time.Millisecond)
			return nil, connFailed("await response", context.DeadlineExceeded)
		}
		return &Response{JSONRPC: jsonrpcVersion, Result: json.RawMessage(`{}`)}, nil
	})

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		return c.Ping(ctx)
	}

	// Interleaved successes keep the connection from ever closing.
	for i := 0; i < 2*fastPolicy().MaxAttempts; i++ {
		fail.Store(i%2 == 0)
		_ = ping()
	}
	assert.Equal(t, StateConnected, c.State())
}

func TestConn_ListToolsPaginates(t *testing.T) {
	mt := newMockTransport()
	mt.handle("tools/list", func(req *Request) (*Response, error) {
		params, _ := req.Params.(map[string]any)
		var result toolsListResult
		switch params["cursor"] {
		case nil:
			result = toolsListResult{Tools: []ToolDefinition{{Name: "a"}, {Name: "b"}}, NextCursor: "page2"}
		case "page2":
			result = toolsListResult{Tools: []ToolDefinition{{Name: "c"}}}
		}
		data, _ := json.Marshal(result)
		return &Response{JSONRPC: jsonrpcVersion, Result: data}, nil
	})
	c := connected(t, mt)

	defs, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "c", defs[2].Name)
	assert.Equal(t, defs, c.Tools(), "snapshot is stored")
}

func TestConn_MalformedResultIsProtocolError(t *testing.T) {
	mt := newMockTransport()
	c := connected(t, mt)
	mt.addResponse("tools/list", map[string]any{"tools": "not a list"})

	_, err := c.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, StateConnected, c.State())
}

func TestConn_CallTool(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(mt *mockTransport)
		want    string
		wantErr error
		substr  string
	}{
		{
			name: "text content",
			setup: func(mt *mockTransport) {
				mt.addResponse("tools/call", callToolResult{Content: []ContentBlock{
					{Type: "text", Text: "line 1"},
					{Type: "text", Text: "line 2"},
				}})
			},
			want: "line 1\nline 2",
		},
		{
			name: "isError result",
			setup: func(mt *mockTransport) {
				mt.addResponse("tools/call", callToolResult{
					IsError: true,
					Content: []ContentBlock{{Type: "text", Text: "file not found"}},
				})
			},
			wantErr: ErrToolCallFailed,
			substr:  "file not found",
		},
		{
			name: "rpc error",
			setup: func(mt *mockTransport) {
				mt.addError("tools/call", -32602, "unknown tool")
			},
			wantErr: ErrToolCallFailed,
			substr:  "unknown tool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMockTransport()
			tt.setup(mt)
			c := connected(t, mt)

			got, err := c.CallTool(context.Background(), "read_file", map[string]any{"path": "/a"})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, err.Error(), tt.substr)
				assert.Equal(t, StateConnected, c.State())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			params := mt.lastParams("tools/call")
			assert.Equal(t, "read_file", params["name"])
			assert.Equal(t, map[string]any{"path": "/a"}, params["arguments"])
		})
	}
}

func TestConn_ReadResource(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("resources/read", readResourceResult{Contents: []ResourceContent{
		{URI: "file:///a.txt", MimeType: "text/plain", Text: "hello"},
		{URI: "file:///a.png", MimeType: "image/png", Blob: "aGk="},
	}})
	c := connected(t, mt)

	contents, err := c.ReadResource(context.Background(), "file:///a.txt")
	require.NoError(t, err)
	require.Len(t, contents, 2)
	assert.Equal(t, "hello\n[binary image/png, 4 base64 bytes]", resourceText(contents))
	assert.Equal(t, "file:///a.txt", mt.lastParams("resources/read")["uri"])
}

func TestConn_ForwardsNotifications(t *testing.T) {
	mt := newMockTransport()
	got := make(chan string, 1)
	connected(t, mt, WithNotificationHandler(func(server string, n *Notification) {
		got <- server + " " + n.Method
	}))

	mt.notes <- NewNotification(methodToolsListChanged, nil)

	select {
	case s := <-got:
		assert.Equal(t, "files "+methodToolsListChanged, s)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not forwarded")
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	mt := newMockTransport()
	c := connected(t, mt)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, mt.isClosed())

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConn_CloseCancelsRetryLoop(t *testing.T) {
	slow := retry.Policy{MaxAttempts: 5, InitialBackoff: 2 * time.Second, MaxBackoff: 2 * time.Second, Multiplier: 2}
	factory := func(config.ServerConfig, *slog.Logger) (Transport, error) {
		mt := newMockTransport()
		mt.startErr = connFailed("spawn", errors.New("down"))
		return mt, nil
	}
	c := NewConn(stdioServer("files"), slow, WithTransportFactory(factory))

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	// Let the first attempt fail and the backoff begin.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Close")
	}
}

func TestConn_ConcurrentRequests(t *testing.T) {
	mt := newMockTransport()
	c := connected(t, mt)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Ping(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, mt.count("ping"))
}
