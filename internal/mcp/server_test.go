package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kraken-mcp-trader/internal/core"
	"kraken-mcp-trader/internal/executor"
)

type stubRunner struct {
	mu    sync.Mutex
	cmds  []executor.Command
	reply func(context.Context, executor.Command) executor.Response
}

func (s *stubRunner) Execute(ctx context.Context, cmd executor.Command) executor.Response {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(ctx, cmd)
	}
	return executor.Response{CommandID: "cmd-1", Command: cmd.Kind, Status: executor.StatusCompleted, Message: "ok"}
}

func (s *stubRunner) commands() []executor.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]executor.Command(nil), s.cmds...)
}

func newTestServer(runner Runner) *Server {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewServer(runner, logger)
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type decoded struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StructuredContent executor.Response `json:"structuredContent"`
	IsError           bool              `json:"isError"`
}

func call(t *testing.T, s *Server, msg string) decoded {
	t.Helper()
	out := s.Handle(context.Background(), []byte(msg))
	require.NotNil(t, out, "expected a reply for %s", msg)
	var d decoded
	require.NoError(t, json.Unmarshal(out, &d))
	return d
}

func TestInitializeNegotiatesProtocolVersion(t *testing.T) {
	s := newTestServer(&stubRunner{})
	cases := map[string]string{
		"2024-11-05": "2024-11-05",
		"2025-06-18": "2025-06-18",
		"1999-01-01": mcpgo.LATEST_PROTOCOL_VERSION,
	}
	for requested, want := range cases {
		t.Run(requested, func(t *testing.T) {
			d := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"`+requested+`","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`)
			require.Nil(t, d.Error)
			assert.JSONEq(t, `1`, string(d.ID))

			var res struct {
				ProtocolVersion string         `json:"protocolVersion"`
				Capabilities    map[string]any `json:"capabilities"`
				ServerInfo      struct {
					Name    string `json:"name"`
					Version string `json:"version"`
				} `json:"serverInfo"`
			}
			require.NoError(t, json.Unmarshal(d.Result, &res))
			assert.Equal(t, want, res.ProtocolVersion)
			assert.Equal(t, ServerName, res.ServerInfo.Name)
			assert.Equal(t, ServerVersion, res.ServerInfo.Version)
			assert.Contains(t, res.Capabilities, "tools")
		})
	}
}

func TestNotificationsGetNoReply(t *testing.T) {
	s := newTestServer(&stubRunner{})
	assert.Nil(t, s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	assert.Nil(t, s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"unknown/notification"}`)))
	assert.Nil(t, s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":42}}`)))
	assert.Nil(t, s.Handle(context.Background(), []byte("   ")))
}

func TestToolsList(t *testing.T) {
	s := newTestServer(&stubRunner{})
	d := call(t, s, `{"jsonrpc":"2.0","id":"a","method":"tools/list"}`)
	require.Nil(t, d.Error)
	var res struct {
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(d.Result, &res))
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"])
		assert.Equal(t, false, tool.InputSchema["additionalProperties"], tool.Name)
		if tool.Name == "place_order" {
			assert.ElementsMatch(t, []any{"pair", "side", "price"}, tool.InputSchema["required"])
			props := tool.InputSchema["properties"].(map[string]any)
			assert.Equal(t, []any{"string", "number"}, props["price"].(map[string]any)["type"])
		}
	}
	assert.ElementsMatch(t, []string{"get_balance", "place_order", "cancel_order", "list_open_orders"}, names)
}

func TestToolsCallPlaceOrderKeepsDecimalText(t *testing.T) {
	runner := &stubRunner{}
	s := newTestServer(runner)
	call(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"place_order","arguments":{"pair":"XBT/USD","side":"buy","price":30000.50,"volume":"0.10"}}}`)
	call(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"place_order","arguments":{"pair":"ETHUSD","side":"sell","price":"2500"}}}`)

	cmds := runner.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, executor.PlaceOrder("XBT/USD", "buy", "30000.50", "0.10"), cmds[0])
	assert.Equal(t, executor.PlaceOrder("ETHUSD", "sell", "2500", ""), cmds[1])
}

func TestToolsCallMapsEveryTool(t *testing.T) {
	runner := &stubRunner{}
	s := newTestServer(runner)
	call(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_balance"}}`)
	call(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_open_orders","arguments":{}}}`)
	call(t, s, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"cancel_order","arguments":{"order_id":"OABC-1"}}}`)

	assert.Equal(t, []executor.Command{
		executor.GetBalance(),
		executor.ListOpenOrders(),
		executor.CancelOrder("OABC-1"),
	}, runner.commands())
}

func TestToolsCallFailureIsToolError(t *testing.T) {
	runner := &stubRunner{reply: func(_ context.Context, cmd executor.Command) executor.Response {
		return executor.Response{
			CommandID: "cmd-2",
			Command:   cmd.Kind,
			Status:    executor.StatusRejected,
			Kind:      core.KindValidation,
			Message:   "price must be > 0",
		}
	}}
	s := newTestServer(runner)
	d := call(t, s, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"place_order","arguments":{"pair":"XBT/USD","side":"buy","price":"0"}}}`)
	require.Nil(t, d.Error)

	var res toolCallResult
	require.NoError(t, json.Unmarshal(d.Result, &res))
	assert.True(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)
	assert.Contains(t, res.Content[0].Text, "price must be > 0")
	assert.Equal(t, core.KindValidation, res.StructuredContent.Kind)
}

func TestToolsCallRejectsBadArguments(t *testing.T) {
	runner := &stubRunner{}
	s := newTestServer(runner)
	cases := map[string]string{
		"extra argument": `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"cancel_order","arguments":{"order_id":"x","force":true}}}`,
		"bad price type": `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"place_order","arguments":{"pair":"XBT/USD","side":"buy","price":true}}}`,
		"balance args":   `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_balance","arguments":{"asset":"XBT"}}}`,
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			d := call(t, s, msg)
			require.Nil(t, d.Error)
			var res toolCallResult
			require.NoError(t, json.Unmarshal(d.Result, &res))
			assert.True(t, res.IsError)
			require.Len(t, res.Content, 1)
			assert.Contains(t, res.Content[0].Text, "invalid arguments")
		})
	}
	assert.Empty(t, runner.commands())
}

func TestProtocolErrors(t *testing.T) {
	s := newTestServer(&stubRunner{})
	cases := []struct {
		name string
		msg  string
		code int
	}{
		{"parse", `{"jsonrpc":`, mcpgo.PARSE_ERROR},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, mcpgo.PARSE_ERROR},
		{"version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, mcpgo.INVALID_REQUEST},
		{"method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, mcpgo.METHOD_NOT_FOUND},
		{"unknown tool", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"withdraw"}}`, mcpgo.INVALID_PARAMS},
		{"missing name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, mcpgo.INVALID_PARAMS},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := call(t, s, tc.msg)
			require.NotNil(t, d.Error)
			assert.Equal(t, tc.code, d.Error.Code)
		})
	}
}

func TestPingReturnsEmptyObject(t *testing.T) {
	d := call(t, newTestServer(&stubRunner{}), `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	require.Nil(t, d.Error)
	assert.JSONEq(t, `{}`, string(d.Result))
}

type stdioSession struct {
	in     *io.PipeWriter
	out    *bufio.Reader
	done   chan error
	cancel context.CancelFunc
}

func startStdio(t *testing.T, s *Server) *stdioSession {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	sess := &stdioSession{in: inW, out: bufio.NewReader(outR), done: make(chan error, 1), cancel: cancel}
	go func() { sess.done <- s.ServeStdio(ctx, inR, outW) }()
	t.Cleanup(cancel)
	return sess
}

func (s *stdioSession) send(t *testing.T, msg string) {
	t.Helper()
	_, err := io.WriteString(s.in, msg+"\n")
	require.NoError(t, err)
}

func (s *stdioSession) read(t *testing.T) decoded {
	t.Helper()
	line, err := s.out.ReadString('\n')
	require.NoError(t, err)
	var d decoded
	require.NoError(t, json.Unmarshal([]byte(line), &d))
	return d
}

func (s *stdioSession) closeInput(t *testing.T) {
	t.Helper()
	require.NoError(t, s.in.Close())
	select {
	case err := <-s.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStdio did not return after EOF")
	}
}

func TestServeStdioAnswersEveryRequest(t *testing.T) {
	release := make(chan struct{})
	runner := &stubRunner{reply: func(_ context.Context, cmd executor.Command) executor.Response {
		if cmd.Kind == executor.KindGetBalance {
			<-release
		}
		return executor.Response{Command: cmd.Kind, Status: executor.StatusCompleted}
	}}
	sess := startStdio(t, newTestServer(runner))

	go func() {
		_, _ = io.WriteString(sess.in, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_balance"}}`+"\n")
		_, _ = io.WriteString(sess.in, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n")
		_, _ = io.WriteString(sess.in, `{"jsonrpc":"2.0","id":2,"method":"ping"}`+"\n")
	}()

	// The slow balance call must not block the ping behind it.
	first := sess.read(t)
	assert.JSONEq(t, `2`, string(first.ID))
	close(release)
	second := sess.read(t)
	assert.JSONEq(t, `1`, string(second.ID))

	sess.closeInput(t)
}

func TestServeStdioCancelsToolCall(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan error, 1)
	runner := &stubRunner{reply: func(ctx context.Context, cmd executor.Command) executor.Response {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return executor.Response{Command: cmd.Kind, Status: executor.StatusFailed, Kind: core.KindNetwork}
	}}
	sess := startStdio(t, newTestServer(runner))

	sess.send(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"list_open_orders"}}`)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("tool call never started")
	}
	sess.send(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7,"reason":"user aborted"}}`)

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call kept running")
	}

	// A cancelled call gets no reply, so the next line answers the ping.
	sess.send(t, `{"jsonrpc":"2.0","id":8,"method":"ping"}`)
	d := sess.read(t)
	assert.JSONEq(t, `8`, string(d.ID))
	sess.closeInput(t)
}

func TestServeStdioCancelMatchesStringIDs(t *testing.T) {
	var mu sync.Mutex
	cancelled := map[string]bool{}
	startedA := make(chan struct{})
	runner := &stubRunner{reply: func(ctx context.Context, cmd executor.Command) executor.Response {
		if cmd.OrderID == "OA" {
			close(startedA)
		}
		select {
		case <-ctx.Done():
			mu.Lock()
			cancelled[cmd.OrderID] = true
			mu.Unlock()
		case <-time.After(200 * time.Millisecond):
		}
		return executor.Response{Command: cmd.Kind, Status: executor.StatusCompleted}
	}}
	sess := startStdio(t, newTestServer(runner))

	sess.send(t, `{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"cancel_order","arguments":{"order_id":"OA"}}}`)
	sess.send(t, `{"jsonrpc":"2.0","id":"b","method":"tools/call","params":{"name":"cancel_order","arguments":{"order_id":"OB"}}}`)
	select {
	case <-startedA:
	case <-time.After(2 * time.Second):
		t.Fatal("tool call never started")
	}
	sess.send(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"a"}}`)

	d := sess.read(t)
	assert.JSONEq(t, `"b"`, string(d.ID))
	sess.closeInput(t)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, cancelled["OA"])
	assert.False(t, cancelled["OB"])
}

func TestServeStdioStopsOnContextCancel(t *testing.T) {
	s := newTestServer(&stubRunner{})
	inR, _ := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeStdio(ctx, inR, io.Discard) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStdio ignored cancellation")
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	runner := &stubRunner{}
	s := newTestServer(runner)
	srv := httptest.NewServer(s.WebSocketHandler(WSOptions{AuthToken: "tok"}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer tok"}})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"list_open_orders"}}`)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var d decoded
	require.NoError(t, json.Unmarshal(data, &d))
	assert.JSONEq(t, `5`, string(d.ID))
	assert.Nil(t, d.Error)
	assert.Equal(t, []executor.Command{executor.ListOpenOrders()}, runner.commands())
}

func TestAuthorized(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, Authorized(r, ""))
	assert.False(t, Authorized(r, "x"))
	r.Header.Set("Authorization", "Bearer x")
	assert.True(t, Authorized(r, "x"))
	assert.False(t, Authorized(r, "y"))
}
