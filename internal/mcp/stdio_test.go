package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/thane-mcp/internal/config"
)

// The test binary doubles as an MCP server subprocess. helperEnv picks
// which one: "fake" is a scripted server, "mcp-go" a real one.
const (
	helperEnv        = "THANE_MCP_TEST_HELPER"
	helperFramingEnv = "THANE_MCP_TEST_FRAMING"
)

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "fake":
		os.Exit(runFakeServer())
	case "mcp-go":
		if err := server.NewStdioServer(newTestMCPServer()).Listen(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	default:
		os.Exit(m.Run())
	}
}

// runFakeServer speaks just enough MCP for transport tests:
//
//	initialize  answers with serverInfo "fake"
//	echo        returns {"params": <params>}
//	ping_me     sends a ping and an unsupported request to the client,
//	            then returns both replies
//	notify_me   sends tools/list_changed, then returns {}
//	slow        answers after 500ms
//	exit        exits without answering
func runFakeServer() int {
	frames := framingFor(os.Getenv(helperFramingEnv))
	in := bufio.NewReader(os.Stdin)
	out := os.Stdout

	fmt.Fprintln(os.Stderr, "fake server starting")
	if _, ok := frames.(lineFraming); ok {
		fmt.Fprintln(out, "banner that is not JSON-RPC")
	}

	send := func(v any) {
		data, _ := json.Marshal(v)
		_ = frames.write(out, data)
	}
	result := func(id json.RawMessage, v any) {
		send(map[string]any{"jsonrpc": "2.0", "id": id, "result": v})
	}

	var (
		waiting *message
		replies []json.RawMessage
	)
	for {
		data, err := frames.read(in)
		if err != nil {
			return 0
		}
		m, err := decodeMessage(data)
		if err != nil {
			continue
		}

		switch {
		case m.isResponse():
			replies = append(replies, json.RawMessage(data))
			if waiting != nil && len(replies) == 2 {
				result(waiting.ID, map[string]any{"replies": replies})
				waiting = nil
			}
		case m.isRequest():
			switch m.Method {
			case "initialize":
				result(m.ID, initResult("fake", "tools"))
			case "echo":
				result(m.ID, map[string]any{"params": m.Params})
			case "ping_me":
				waiting, replies = m, nil
				send(map[string]any{"jsonrpc": "2.0", "id": "srv-1", "method": "ping"})
				send(map[string]any{"jsonrpc": "2.0", "id": "srv-2", "method": "sampling/createMessage"})
			case "notify_me":
				send(map[string]any{"jsonrpc": "2.0", "method": methodToolsListChanged})
				result(m.ID, map[string]any{})
			case "slow":
				time.Sleep(500 * time.Millisecond)
				result(m.ID, map[string]any{})
			case "exit":
				return 0
			default:
				send(map[string]any{"jsonrpc": "2.0", "id": m.ID, "error": map[string]any{"code": codeMethodNotFound, "message": "unknown"}})
			}
		}
	}
}

func helperConfig(helper, framing string) StdioConfig {
	env := []string{helperEnv + "=" + helper}
	if framing != "" {
		env = append(env, helperFramingEnv+"="+framing)
	}
	return StdioConfig{
		Command:    os.Args[0],
		Env:        env,
		Framing:    framing,
		Timeout:    5 * time.Second,
		CloseGrace: 2 * time.Second,
		Logger:     slog.Default(),
	}
}

func startHelper(t *testing.T, cfg StdioConfig) *StdioTransport {
	t.Helper()
	tr := NewStdioTransport(cfg)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestStdioTransport_RoundTrip(t *testing.T) {
	for _, framing := range []string{"", "length"} {
		t.Run("framing="+framing, func(t *testing.T) {
			tr := startHelper(t, helperConfig("fake", framing))
			ctx := context.Background()

			resp, err := tr.Send(ctx, NewRequest(1, "initialize", nil))
			require.NoError(t, err)
			require.Nil(t, resp.Error)
			assert.Contains(t, string(resp.Result), `"fake"`)

			resp, err = tr.Send(ctx, NewRequest(2, "echo", map[string]any{"n": 2}))
			require.NoError(t, err)
			assert.JSONEq(t, `{"params":{"n":2}}`, string(resp.Result))

			resp, err = tr.Send(ctx, NewRequest(3, "nope", nil))
			require.NoError(t, err)
			require.NotNil(t, resp.Error)
			assert.Equal(t, codeMethodNotFound, resp.Error.Code)
		})
	}
}

func TestStdioTransport_ConcurrentSends(t *testing.T) {
	tr := startHelper(t, helperConfig("fake", ""))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			resp, err := tr.Send(context.Background(), NewRequest(id, "echo", map[string]any{"id": id}))
			if err != nil {
				errs <- err
				return
			}
			want := fmt.Sprintf(`{"params":{"id":%d}}`, id)
			if resp.ID != id || string(bytes.ReplaceAll(resp.Result, []byte(" "), nil)) != want {
				errs <- fmt.Errorf("request %d got id %d result %s", id, resp.ID, resp.Result)
			}
		}(int64(i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestStdioTransport_AnswersServerRequests(t *testing.T) {
	tr := startHelper(t, helperConfig("fake", ""))

	resp, err := tr.Send(context.Background(), NewRequest(1, "ping_me", nil))
	require.NoError(t, err)

	var result struct {
		Replies []reply `json:"replies"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Replies, 2)

	byID := map[string]reply{}
	for _, r := range result.Replies {
		byID[strings.Trim(string(r.ID), `"`)] = r
	}

	assert.Nil(t, byID["srv-1"].Error, "ping should succeed")
	assert.NotNil(t, byID["srv-1"].Result)
	if assert.NotNil(t, byID["srv-2"].Error) {
		assert.Equal(t, codeMethodNotFound, byID["srv-2"].Error.Code)
	}
}

func TestStdioTransport_Notifications(t *testing.T) {
	tr := startHelper(t, helperConfig("fake", ""))

	_, err := tr.Send(context.Background(), NewRequest(1, "notify_me", nil))
	require.NoError(t, err)

	select {
	case n := <-tr.Notifications():
		assert.Equal(t, methodToolsListChanged, n.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestStdioTransport_ProcessExitFailsPending(t *testing.T) {
	tr := startHelper(t, helperConfig("fake", ""))

	_, err := tr.Send(context.Background(), NewRequest(1, "exit", nil))
	require.ErrorIs(t, err, ErrConnectionFailed)

	_, err = tr.Send(context.Background(), NewRequest(2, "echo", nil))
	assert.ErrorIs(t, err, ErrConnectionFailed)

	select {
	case _, ok := <-tr.Notifications():
		assert.False(t, ok, "sink should be closed after EOF")
	case <-time.After(2 * time.Second):
		t.Fatal("sink not closed")
	}
}

func TestStdioTransport_RequestTimeout(t *testing.T) {
	cfg := helperConfig("fake", "")
	cfg.Timeout = 50 * time.Millisecond
	tr := startHelper(t, cfg)

	_, err := tr.Send(context.Background(), NewRequest(1, "slow", nil))
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStdioTransport_CloseFailsLaterSends(t *testing.T) {
	tr := NewStdioTransport(helperConfig("fake", ""))
	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "Close is idempotent")

	_, err := tr.Send(context.Background(), NewRequest(1, "echo", nil))
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestStdioTransport_StartFailure(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "/nonexistent/thane-mcp-test-server"})
	err := tr.Start(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.NoError(t, tr.Close())
}

func TestStdioTransport_SendBeforeStart(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})
	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, errNotStarted)
}

func TestStdioTransport_AcquireRespectsContext(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})

	// Pre-fill the semaphore to simulate another goroutine holding it.
	tr.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := tr.acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("acquire() = %v, want context.DeadlineExceeded", err)
	}
}

func TestStdioTransport_AcquireAlreadyCancelledSemaphoreFree(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})

	// The post-acquire double-check must catch this and release the token.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("acquire() with cancelled context = %v, want context.Canceled", err)
	}

	select {
	case <-tr.sem:
		t.Fatal("semaphore was acquired despite cancelled context")
	default:
	}
}

func TestStdioTransport_ReleaseFreesSlot(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})

	ctx := context.Background()
	if err := tr.acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	tr.release()

	if err := tr.acquire(ctx); err != nil {
		t.Fatalf("second acquire after release: %v", err)
	}
	tr.release()
}

func TestStdioTransport_NotifyReturnsErrWhenSemaphoreBusy(t *testing.T) {
	tr := startHelper(t, helperConfig("fake", ""))

	// Hold the semaphore.
	tr.sem <- struct{}{}
	defer tr.release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := tr.Notify(ctx, NewNotification("notifications/test", nil))
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLineFraming(t *testing.T) {
	var buf bytes.Buffer
	f := lineFraming{}
	require.NoError(t, f.write(&buf, []byte(`{"a":1}`)))
	buf.WriteString("\n  \r\n")
	require.NoError(t, f.write(&buf, []byte(`{"b":2}`)))

	r := bufio.NewReader(&buf)
	got, err := f.read(r)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	got, err = f.read(r)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(got), "blank lines are skipped")

	_, err = f.read(r)
	assert.Error(t, err)
}

func TestLengthFraming(t *testing.T) {
	var buf bytes.Buffer
	f := lengthFraming{}
	payload := []byte("{\"text\":\"line one\\nline two\"}")
	require.NoError(t, f.write(&buf, payload))
	assert.True(t, strings.HasPrefix(buf.String(), fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))))

	got, err := f.read(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLengthFraming_BadHeaders(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing length", "Content-Type: application/json\r\n\r\n{}"},
		{"invalid length", "Content-Length: banana\r\n\r\n{}"},
		{"negative length", "Content-Length: -4\r\n\r\n{}"},
		{"malformed line", "garbage\r\n\r\n{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lengthFraming{}.read(bufio.NewReader(strings.NewReader(tt.input)))
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestConn_StdioEndToEnd(t *testing.T) {
	factory := func(cfg config.ServerConfig, logger *slog.Logger) (Transport, error) {
		sc := helperConfig("mcp-go", "")
		sc.Logger = logger
		return NewStdioTransport(sc), nil
	}

	c := NewConn(config.ServerConfig{Name: "reports", Stdio: &config.StdioConfig{Command: os.Args[0]}},
		fastPolicy(), WithTransportFactory(factory))
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, "test-server", c.Info().Name)
	assert.True(t, c.Info().Tools)
	assert.True(t, c.Info().Resources)

	defs, err := c.ListTools(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"echo", "fail"}, names)

	out, err := c.CallTool(ctx, "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)

	_, err = c.CallTool(ctx, "fail", nil)
	assert.ErrorIs(t, err, ErrToolCallFailed)
	assert.Contains(t, err.Error(), "it broke")

	res, err := c.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "file:///reports/q1.txt", res[0].URI)

	contents, err := c.ReadResource(ctx, res[0].URI)
	require.NoError(t, err)
	assert.Equal(t, "revenue up", resourceText(contents))

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
}
